package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM 与合理限额（本地/离线调试友好）；
// - 默认输入为 STDIN（"-"），Writer 输出到 ./out 目录；
// - 识别字段为 類別/情感，分隔符 "-----"；
// - 选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	off := false
	cfg := Config{
		Inputs:         []string{"-"},
		Concurrency:    d.Concurrency,
		ChunkSize:      d.ChunkSize,
		MaxTokens:      8000,
		MaxRetries:     d.MaxRetries,
		CallTimeout:    d.CallTimeout,
		OutputSuffix:   d.OutputSuffix,
		TokenEstimator: TokenEstimator{Kind: "bytes", BytesPerToken: 4},
		Schema:         Schema{Fields: []string{"類別", "情感"}, Delimiter: d.Schema.Delimiter},
		Logging:        d.Logging,
		Cache:          Cache{Enabled: &off, Path: ".llmbatch/cache.db"},
		Components:     d.Components,
		LLM:            "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":"","delay_ms":0,"echo":false}`),
				Limits:  Limits{RPM: 600, TPM: 1000000, MaxTokensPerReq: 16000},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "temperature": null,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 60, TPM: 90000, MaxTokensPerReq: 16000},
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gemini-2.0-flash",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "response_mime_type": ""
}`),
				Limits: Limits{RPM: 15, TPM: 1000000, MaxTokensPerReq: 16000},
			},
		},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "vendor"],
  "allow_exts": [".csv", ".json", ".jsonl"]
}`)
	cfg.Options.Splitter = json.RawMessage(`{
  "format": "",
  "comma": ",",
  "columns": [],
  "max_records": 0
}`)
	cfg.Options.Chunker = json.RawMessage(`{}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "instructions": "依評論內容判斷類別與情感",
  "field_descriptions": {"類別": "評論所屬的主題類別", "情感": "正面 / 中立 / 負面"},
  "user_prompt": ""
}`)
	cfg.Options.Parser = json.RawMessage(`{"aliases": {"category": "類別", "sentiment": "情感"}}`)
	cfg.Options.Assembler = json.RawMessage(`{"bom": true, "comma": ",", "crlf": false}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}
