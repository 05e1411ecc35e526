package classify

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"llmbatch/pkg/contract"
)

// Options 为批量结构化抽取 PromptBuilder 的配置。
// - InlineSystemTemplate / SystemTemplatePath: system 模板（二选一，均为空时使用内置默认模板）。
// - Instructions: 任务说明（例如“依評論內容判斷類別與情感”），渲染进 system。
// - FieldDescriptions: 字段图例（字段名 → 含义），缺省时图例仅列字段名。
// - UserPrompt: 追加到 user 消息末尾的补充分析要求。
type Options struct {
	InlineSystemTemplate string            `json:"inline_system_template"`
	SystemTemplatePath   string            `json:"system_template_path"`
	Instructions         string            `json:"instructions"`
	FieldDescriptions    map[string]string `json:"field_descriptions"`
	UserPrompt           string            `json:"user_prompt"`
}

// Builder: 以 Batch 构造 ChatPrompt（system+user）。
// 运行期不做 I/O；模板在构造期解析并渲染。
type Builder struct {
	schema contract.OutputSchema
	system string
	extra  string
}

type legendItem struct {
	Name        string
	Description string
}

type systemData struct {
	Instructions string
	Fields       []legendItem
	Delimiter    string
	Example      string
}

// New 创建 PromptBuilder；schema 为识别字段集合与分隔符。
func New(opts *Options, schema contract.OutputSchema) (*Builder, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("prompt: schema: %w", err)
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	instr := strings.TrimSpace(o.Instructions)
	if instr == "" {
		instr = defaultInstructions
	}
	data := systemData{Instructions: instr, Delimiter: schema.Delimiter, Example: example(schema)}
	for _, f := range schema.Fields {
		data.Fields = append(data.Fields, legendItem{Name: f, Description: o.FieldDescriptions[f]})
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("system render: %w", err)
	}
	return &Builder{schema: schema, system: strings.TrimSpace(buf.String()), extra: strings.TrimSpace(o.UserPrompt)}, nil
}

// Build: 基于 Batch 构造 ChatPrompt（system+user）。同一输入产出相同 Prompt。
func (b *Builder) Build(ctx context.Context, batch contract.Batch) (contract.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(batch.Records) == 0 {
		return nil, fmt.Errorf("prompt: %w: empty batch records", contract.ErrInvalidInput)
	}
	var uw bytes.Buffer
	uw.Grow(1024)
	fmt.Fprintf(&uw, "Records %d-%d of %d (%d in this batch):\n\n",
		batch.StartIndex+1, batch.EndIndex()+1, batch.TotalCount, len(batch.Records))
	uw.WriteString("```csv\n")
	if err := writeCSV(&uw, batch); err != nil {
		return nil, fmt.Errorf("prompt: serialize batch: %w", err)
	}
	uw.WriteString("```\n\n")
	fmt.Fprintf(&uw, "Return exactly %d results in the same order, separated by a line containing only %s.\n",
		len(batch.Records), b.schema.Delimiter)
	if b.extra != "" {
		uw.WriteString("\n")
		uw.WriteString(b.extra)
		uw.WriteString("\n")
	}
	return contract.ChatPrompt([]contract.Message{
		{Role: "system", Content: b.system},
		{Role: "user", Content: uw.String()},
	}), nil
}

// EstimateOverheadTokens: 估算与批无关的固定提示词开销（system + user 固定规则）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	fixed := fmt.Sprintf("Records 0-0 of 0 (0 in this batch):\n\n```csv\n```\n\nReturn exactly 0 results in the same order, separated by a line containing only %s.\n", b.schema.Delimiter)
	return estimate(b.system) + estimate(fixed) + estimate(b.extra)
}

// writeCSV 以 "#" 行号列加数据集列序列化批次。
func writeCSV(w *bytes.Buffer, batch contract.Batch) error {
	header := batch.Header
	if len(header) == 0 {
		header = unionKeys(batch.Records)
	}
	cw := csv.NewWriter(w)
	row := make([]string, 0, len(header)+1)
	row = append(row, "#")
	row = append(row, header...)
	if err := cw.Write(row); err != nil {
		return err
	}
	for _, r := range batch.Records {
		row = row[:0]
		row = append(row, strconv.FormatInt(int64(r.Index)+1, 10))
		for _, h := range header {
			row = append(row, r.Fields[h])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func unionKeys(recs []contract.Record) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range recs {
		for _, k := range r.Fields.Keys() {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out
}

// example 生成单条结果的 JSON 示例（字段按识别集合顺序）。
func example(s contract.OutputSchema) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, f := range s.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(strconv.Quote(f))
		sb.WriteString(`: "..."`)
	}
	sb.WriteByte('}')
	return sb.String()
}

const defaultInstructions = "Analyse every record in the table below and fill in the fields listed in the legend."

// 默认 system 模板。
const defaultSystemTemplate = `
## Task
{{.Instructions}}

## Fields
{{range .Fields}}- {{.Name}}{{if .Description}}: {{.Description}}{{end}}
{{end}}
## Output Rules (Very Important)
1) Produce exactly one result per input record, in the same order as the records.
2) Each result is a single JSON object with every field above as a key, for example:
{{.Example}}
3) Put a line containing only {{.Delimiter}} between consecutive results. Use it verbatim.
4) If you are unsure about a field, leave its value as an empty string "". Never omit a field.
5) Do not add commentary before, between or after the results.
`

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)
