package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败（JSON 与 YAML 一致）。
type Config struct {
	Inputs      []string `json:"inputs"`
	Concurrency int      `json:"concurrency"`
	// ChunkSize: 每批记录数 k（>=1）。
	ChunkSize int `json:"chunk_size"`
	// MaxTokens: 单请求 token 预算；0 表示不校验。
	MaxTokens int `json:"max_tokens"`
	// MaxRetries: 瞬时失败的最大重试次数（>=0）。0 表示不重试。
	MaxRetries int `json:"max_retries"`
	// CallTimeout: 单次后端调用超时，Go duration 字符串（如 "60s"）；"0" 关闭。
	CallTimeout string `json:"call_timeout"`
	// OutputSuffix: 工件名后缀，默认 "_processed"。
	OutputSuffix string `json:"output_suffix"`

	TokenEstimator TokenEstimator `json:"token_estimator"`
	Schema         Schema         `json:"schema"`
	Logging        Logging        `json:"logging"`
	Cache          Cache          `json:"cache"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// TokenEstimator: 预算估算方式。
type TokenEstimator struct {
	// Kind: "bytes"（默认）| "tiktoken"。
	Kind          string `json:"kind"`
	Encoding      string `json:"encoding"`
	BytesPerToken int    `json:"bytes_per_token"`
}

// Schema: 识别字段与分隔符。
type Schema struct {
	Fields    []string `json:"fields"`
	Delimiter string   `json:"delimiter"`
}

// Logging: 日志等级、目录与轮转。MaxMB<=0 使用 10MiB；Keep<=0 不清理旧文件。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
	MaxMB int    `json:"max_mb,omitempty"`
	Keep  int    `json:"keep,omitempty"`
}

// Cache: 后端响应缓存（SQLite）。
type Cache struct {
	Enabled *bool  `json:"enabled"`
	Path    string `json:"path"`
}

// On 报告缓存是否启用。
func (c Cache) On() bool { return c.Enabled != nil && *c.Enabled }

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Splitter      string `json:"splitter"`
	Chunker       string `json:"chunker"`
	PromptBuilder string `json:"prompt_builder"`
	Parser        string `json:"parser"`
	Assembler     string `json:"assembler"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Splitter      json.RawMessage `json:"splitter"`
	Chunker       json.RawMessage `json:"chunker"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Parser        json.RawMessage `json:"parser"`
	Assembler     json.RawMessage `json:"assembler"`
	Writer        json.RawMessage `json:"writer"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
