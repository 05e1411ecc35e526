package registry

import (
	"bytes"
	"encoding/json"

	"llmbatch/pkg/contract"
	table "llmbatch/plugins/assembler/table"
	fixed "llmbatch/plugins/chunker/fixed"
	flaky "llmbatch/plugins/llmclient/flaky"
	gmi "llmbatch/plugins/llmclient/gemini"
	mock "llmbatch/plugins/llmclient/mock"
	oai "llmbatch/plugins/llmclient/openai"
	pst "llmbatch/plugins/parser/structured"
	pcls "llmbatch/plugins/prompt/classify"
	rfs "llmbatch/plugins/reader/filesystem"
	stab "llmbatch/plugins/splitter/tabular"
	wfs "llmbatch/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewSplitter 工厂签名：接收原样 JSON Options。
type NewSplitter func(raw json.RawMessage) (contract.Splitter, error)

// NewChunker 工厂签名：接收原样 JSON Options。
type NewChunker func(raw json.RawMessage) (contract.Chunker, error)

// NewPromptBuilder 工厂签名：Options + 输出字段约定。
type NewPromptBuilder func(raw json.RawMessage, schema contract.OutputSchema) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：mock/flaky 需要 schema 以生成逐记录结果。
type NewLLMClient func(raw json.RawMessage, schema contract.OutputSchema) (contract.LLMClient, error)

// NewParser 工厂签名：Options + 输出字段约定。
type NewParser func(raw json.RawMessage, schema contract.OutputSchema) (contract.Parser, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	// tabular: CSV / JSON / JSONL 表格数据
	"tabular": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts stab.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return stab.New(&opts)
	},
}

// Chunker 工厂注册表。
var Chunker = map[string]NewChunker{
	"fixed": func(raw json.RawMessage) (contract.Chunker, error) {
		var opts fixed.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return fixed.New(&opts)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// classify: 逐记录分类/抽取（Chat）
	"classify": func(raw json.RawMessage, schema contract.OutputSchema) (contract.PromptBuilder, error) {
		var opts pcls.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pcls.New(&opts, schema)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage, _ contract.OutputSchema) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage, _ contract.OutputSchema) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock": func(raw json.RawMessage, s contract.OutputSchema) (contract.LLMClient, error) {
		return mock.New(raw, s)
	},
	"flaky": func(raw json.RawMessage, s contract.OutputSchema) (contract.LLMClient, error) {
		return flaky.New(raw, s)
	},
}

// Parser 工厂注册表。
var Parser = map[string]NewParser{
	// structured: 分隔符切分 + JSON/Markdown 表格
	"structured": func(raw json.RawMessage, schema contract.OutputSchema) (contract.Parser, error) {
		var opts pst.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pst.New(&opts, schema)
	},
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	"csv": func(raw json.RawMessage) (contract.Assembler, error) {
		var opts table.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return table.NewCSV(&opts)
	},
	"jsonl": func(raw json.RawMessage) (contract.Assembler, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return table.NewJSONL(), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
