package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"llmbatch/pkg/contract"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "LLM_BATCH_"

// DefaultFiles: 未显式指定配置文件时依次查找的文件名。
var DefaultFiles = []string{"config.json", "config.yaml", "config.yml"}

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 与识别字段不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Concurrency:  4,
		ChunkSize:    10,
		MaxRetries:   1,
		CallTimeout:  "60s",
		OutputSuffix: "_processed",
		Schema:       Schema{Delimiter: contract.DefaultDelimiter},
		Logging:      Logging{Level: "info", Dir: "logs"},
		Components: Components{
			Reader:        "fs",
			Splitter:      "tabular",
			Chunker:       "fixed",
			PromptBuilder: "classify",
			Parser:        "structured",
			Assembler:     "csv",
			Writer:        "fs",
		},
		Options: Options{
			Writer: json.RawMessage(`{"output_dir":"out"}`),
		},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 缺省的 max_retries 记为 -1（未设置），由 Merge 保留默认值。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Config{MaxRetries: -1}
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadYAML 解析 YAML 配置：先转为 JSON，再按 LoadJSON 的严格规则解码。
func LoadYAML(raw []byte) (Config, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return Config{}, errors.New("yaml: empty document")
	}
	js, err := json.Marshal(normalizeYAML(doc))
	if err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	return LoadJSON("", js)
}

// LoadFile 按扩展名选择 JSON 或 YAML 解析。
func LoadFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return LoadYAML(raw)
	default:
		return LoadJSON("", raw)
	}
}

// FindDefault 在 dir 下查找默认配置文件；未找到返回空串。
func FindDefault(dir string) string {
	for _, name := range DefaultFiles {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// LoadDotEnv 加载 .env 文件（不覆盖已存在的环境变量）；文件不存在时忽略。
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("dotenv %s: %w", p, err)
		}
	}
	return nil
}

// normalizeYAML 将 map[any]any 等非 JSON 友好的结构转换为 map[string]any。
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = normalizeYAML(x)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[fmt.Sprint(k)] = normalizeYAML(x)
		}
		return out
	case []any:
		for i, x := range t {
			t[i] = normalizeYAML(x)
		}
		return t
	default:
		return v
	}
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.ChunkSize != 0 {
		out.ChunkSize = over.ChunkSize
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	// MaxRetries 的 0 具有语义（禁用重试）：over.MaxRetries >= 0 视为“存在”，-1 视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if s := strings.TrimSpace(over.CallTimeout); s != "" {
		out.CallTimeout = s
	}
	if s := strings.TrimSpace(over.OutputSuffix); s != "" {
		out.OutputSuffix = s
	}

	if over.TokenEstimator.Kind != "" {
		out.TokenEstimator.Kind = over.TokenEstimator.Kind
	}
	if over.TokenEstimator.Encoding != "" {
		out.TokenEstimator.Encoding = over.TokenEstimator.Encoding
	}
	if over.TokenEstimator.BytesPerToken != 0 {
		out.TokenEstimator.BytesPerToken = over.TokenEstimator.BytesPerToken
	}
	if len(over.Schema.Fields) > 0 {
		out.Schema.Fields = cloneStrings(over.Schema.Fields)
	}
	if over.Schema.Delimiter != "" {
		out.Schema.Delimiter = over.Schema.Delimiter
	}

	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}
	if over.Logging.MaxMB > 0 {
		out.Logging.MaxMB = over.Logging.MaxMB
	}
	if over.Logging.Keep > 0 {
		out.Logging.Keep = over.Logging.Keep
	}
	if over.Cache.Enabled != nil {
		v := *over.Cache.Enabled
		out.Cache.Enabled = &v
	}
	if s := strings.TrimSpace(over.Cache.Path); s != "" {
		out.Cache.Path = s
	}

	// 组件名（空不覆盖）
	mergeName(&out.Components.Reader, over.Components.Reader)
	mergeName(&out.Components.Splitter, over.Components.Splitter)
	mergeName(&out.Components.Chunker, over.Components.Chunker)
	mergeName(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	mergeName(&out.Components.Parser, over.Components.Parser)
	mergeName(&out.Components.Assembler, over.Components.Assembler)
	mergeName(&out.Components.Writer, over.Components.Writer)

	// Provider（按字段覆盖：空值与 0 不覆盖）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = mergeProvider(prov[k], v)
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	mergeRaw(&out.Options.Reader, over.Options.Reader)
	mergeRaw(&out.Options.Splitter, over.Options.Splitter)
	mergeRaw(&out.Options.Chunker, over.Options.Chunker)
	mergeRaw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	mergeRaw(&out.Options.Parser, over.Options.Parser)
	mergeRaw(&out.Options.Assembler, over.Options.Assembler)
	mergeRaw(&out.Options.Writer, over.Options.Writer)

	if s := strings.TrimSpace(over.LLM); s != "" {
		out.LLM = s
	}
	return out
}

func mergeProvider(base, over Provider) Provider {
	mergeName(&base.Client, over.Client)
	mergeRaw(&base.Options, over.Options)
	if over.Limits.RPM != 0 {
		base.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.TPM != 0 {
		base.Limits.TPM = over.Limits.TPM
	}
	if over.Limits.MaxTokensPerReq != 0 {
		base.Limits.MaxTokensPerReq = over.Limits.MaxTokensPerReq
	}
	return base
}

func mergeName(dst *string, over string) {
	if s := strings.TrimSpace(over); s != "" {
		*dst = s
	}
}

func mergeRaw(dst *json.RawMessage, over json.RawMessage) {
	if len(over) > 0 {
		*dst = cloneRaw(over)
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 LLM_BATCH_；集合之外的键忽略。
// 支持：INPUTS, CONCURRENCY, CHUNK_SIZE, MAX_TOKENS, MAX_RETRIES, CALL_TIMEOUT, LLM,
// TOKEN_ESTIMATOR, SCHEMA_FIELDS, SCHEMA_DELIMITER, LOG_LEVEL, CACHE_ENABLED, CACHE_PATH, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// -1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.MaxRetries = -1
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk, val := strings.TrimPrefix(kv[:eq], EnvPrefix), kv[eq+1:]
		if err := applyEnv(&over, prov, nk, val); err != nil {
			return Config{}, fmt.Errorf("env %s%s: %w", EnvPrefix, nk, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func applyEnv(over *Config, prov map[string]Provider, nk, val string) error {
	tv := strings.TrimSpace(val)
	// 空值视为未设置（.env 模板中的占位行）
	if tv == "" {
		return nil
	}
	setInt := func(dst *int) error {
		v, err := atoi(val)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
	switch nk {
	case "INPUTS":
		over.Inputs = splitComma(val)
	case "CONCURRENCY":
		return setInt(&over.Concurrency)
	case "CHUNK_SIZE":
		return setInt(&over.ChunkSize)
	case "MAX_TOKENS":
		return setInt(&over.MaxTokens)
	case "MAX_RETRIES":
		return setInt(&over.MaxRetries)
	case "CALL_TIMEOUT":
		over.CallTimeout = tv
	case "LLM":
		over.LLM = tv
	case "TOKEN_ESTIMATOR":
		over.TokenEstimator.Kind = tv
	case "SCHEMA_FIELDS":
		over.Schema.Fields = splitComma(val)
	case "SCHEMA_DELIMITER":
		over.Schema.Delimiter = tv
	case "LOG_LEVEL":
		over.Logging.Level = tv
	case "CACHE_ENABLED":
		b, err := parseBool(tv)
		if err != nil {
			return err
		}
		over.Cache.Enabled = &b
	case "CACHE_PATH":
		over.Cache.Path = tv
	case "COMPONENTS_READER":
		over.Components.Reader = tv
	case "COMPONENTS_SPLITTER":
		over.Components.Splitter = tv
	case "COMPONENTS_CHUNKER":
		over.Components.Chunker = tv
	case "COMPONENTS_PROMPT_BUILDER":
		over.Components.PromptBuilder = tv
	case "COMPONENTS_PARSER":
		over.Components.Parser = tv
	case "COMPONENTS_ASSEMBLER":
		over.Components.Assembler = tv
	case "COMPONENTS_WRITER":
		over.Components.Writer = tv
	default:
		// provider.* 路径：PROVIDER__name__FOO
		if !strings.HasPrefix(nk, "PROVIDER__") {
			return nil
		}
		parts := strings.Split(nk, "__")
		if len(parts) < 3 {
			return nil
		}
		name := strings.TrimSpace(parts[1])
		p := prov[name]
		switch strings.Join(parts[2:], "__") {
		case "CLIENT":
			p.Client = tv
		case "LIMITS_RPM":
			if err := setInt(&p.Limits.RPM); err != nil {
				return err
			}
		case "LIMITS_TPM":
			if err := setInt(&p.Limits.TPM); err != nil {
				return err
			}
		case "LIMITS_MAX_TOKENS_PER_REQ":
			if err := setInt(&p.Limits.MaxTokensPerReq); err != nil {
				return err
			}
		case "OPTIONS_JSON":
			if !json.Valid([]byte(tv)) {
				return errors.New("invalid json")
			}
			p.Options = json.RawMessage(tv)
		default:
			return nil
		}
		prov[name] = p
	}
	return nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool %q", s)
	}
}
