package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"llmbatch/internal/cache"
	"llmbatch/internal/diag"
	"llmbatch/internal/pipeline"
	"llmbatch/internal/prompt"
	"llmbatch/internal/rate"
	"llmbatch/pkg/contract"
	"llmbatch/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	// 输入路径不得为空字符串；"-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		if strings.TrimSpace(r) == "" {
			return errors.New("config: input path cannot be empty")
		}
		if strings.TrimSpace(r) == "-" {
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.ChunkSize < 1 {
		return errors.New("config: chunk_size must be >= 1")
	}
	if cfg.MaxTokens < 0 {
		return errors.New("config: max_tokens must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if _, err := parseTimeout(cfg.CallTimeout); err != nil {
		return err
	}
	if err := schemaOf(cfg).Validate(); err != nil {
		return fmt.Errorf("config: schema needs non-empty unique fields and a delimiter: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TokenEstimator.Kind)) {
	case "", prompt.EstimatorBytes, prompt.EstimatorTiktoken:
	default:
		return fmt.Errorf("config: unknown token_estimator %q", cfg.TokenEstimator.Kind)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", effName(cfg.Components.Reader, d.Reader), registry.Reader[effName(cfg.Components.Reader, d.Reader)] != nil},
		{"splitter", effName(cfg.Components.Splitter, d.Splitter), registry.Splitter[effName(cfg.Components.Splitter, d.Splitter)] != nil},
		{"chunker", effName(cfg.Components.Chunker, d.Chunker), registry.Chunker[effName(cfg.Components.Chunker, d.Chunker)] != nil},
		{"prompt_builder", effName(cfg.Components.PromptBuilder, d.PromptBuilder), registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)] != nil},
		{"parser", effName(cfg.Components.Parser, d.Parser), registry.Parser[effName(cfg.Components.Parser, d.Parser)] != nil},
		{"assembler", effName(cfg.Components.Assembler, d.Assembler), registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)] != nil},
		{"writer", effName(cfg.Components.Writer, d.Writer), registry.Writer[effName(cfg.Components.Writer, d.Writer)] != nil},
		{"llm client", prov.Client, registry.LLMClient[prov.Client] != nil},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("config: %s %q not registered", c.kind, c.name)
		}
	}
	return nil
}

// Runtime: Assemble 的产物。Close 释放缓存等资源。
type Runtime struct {
	Components pipeline.Components
	Settings   pipeline.Settings
	Gate       rate.Gate
	Key        rate.LimitKey
	// Cache 为 nil 表示未启用响应缓存。
	Cache *cache.Client
	// Warnings: 非致命的装配提示（例如 tiktoken 不可用时退回字节估算）。
	Warnings []string

	store *cache.Store
}

// Close 关闭缓存库（若有）。
func (r *Runtime) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

// Assemble 构造 Components、Settings 与限流 Gate+Key。
// 严格 Options 解析在 registry （工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, log *diag.Logger) (*Runtime, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	schema := schemaOf(cfg)

	// 有效名称
	d := Defaults().Components
	r, err := registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader)
	if err != nil {
		return nil, fmt.Errorf("config: reader: %w", err)
	}
	s, err := registry.Splitter[effName(cfg.Components.Splitter, d.Splitter)](cfg.Options.Splitter)
	if err != nil {
		return nil, fmt.Errorf("config: splitter: %w", err)
	}
	ch, err := registry.Chunker[effName(cfg.Components.Chunker, d.Chunker)](cfg.Options.Chunker)
	if err != nil {
		return nil, fmt.Errorf("config: chunker: %w", err)
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder, schema)
	if err != nil {
		return nil, fmt.Errorf("config: prompt_builder: %w", err)
	}
	ps, err := registry.Parser[effName(cfg.Components.Parser, d.Parser)](cfg.Options.Parser, schema)
	if err != nil {
		return nil, fmt.Errorf("config: parser: %w", err)
	}
	asm, err := registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)](cfg.Options.Assembler)
	if err != nil {
		return nil, fmt.Errorf("config: assembler: %w", err)
	}
	w, err := registry.Writer[effName(cfg.Components.Writer, d.Writer)](cfg.Options.Writer)
	if err != nil {
		return nil, fmt.Errorf("config: writer: %w", err)
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options, schema)
	if err != nil {
		return nil, fmt.Errorf("config: llm %s: %w", cfg.LLM, err)
	}

	rt := &Runtime{}
	if cfg.Cache.On() {
		store, err := cache.Open(cfg.Cache.Path)
		if err != nil {
			return nil, fmt.Errorf("config: cache: %w", err)
		}
		rt.store = store
		rt.Cache = cache.Wrap(llm, store, cacheNamespace(cfg.LLM, prov), log)
		llm = rt.Cache
	}

	rt.Components = pipeline.Components{
		Reader:        r,
		Splitter:      s,
		Chunker:       ch,
		PromptBuilder: pb,
		LLM:           llm,
		Parser:        ps,
		Assembler:     asm,
		Writer:        w,
	}

	// 限流分组按 API Key 摘要；取不到 key 时按 provider 名称。
	key, derr := rate.KeyFor(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	rt.Key = key
	rt.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	est, eerr := prompt.NewEstimator(cfg.TokenEstimator.Kind, cfg.TokenEstimator.Encoding, cfg.TokenEstimator.BytesPerToken)
	if eerr != nil {
		if est == nil {
			_ = rt.Close()
			return nil, fmt.Errorf("config: token_estimator: %w", eerr)
		}
		rt.Warnings = append(rt.Warnings, "token estimator fell back to bytes: "+eerr.Error())
	}

	timeout, _ := parseTimeout(cfg.CallTimeout)
	rt.Settings = pipeline.Settings{
		Inputs:       cloneStrings(cfg.Inputs),
		Concurrency:  cfg.Concurrency,
		ChunkSize:    cfg.ChunkSize,
		MaxRetries:   cfg.MaxRetries,
		CallTimeout:  timeout,
		MaxTokens:    requestBudget(cfg.MaxTokens, prov.Limits),
		Estimator:    est,
		Schema:       schema,
		OutputSuffix: cfg.OutputSuffix,
		Gate:         rt.Gate,
		GateKey:      key,
	}
	return rt, nil
}

// requestBudget 取 max_tokens、单请求上限与 TPM 中最小的正值；全为 0 时不限制。
// 单批 Prompt 超过 Gate 能放行的量时，须在发送前失败而非逐批降级。
func requestBudget(maxTokens int, lim Limits) int {
	out := maxTokens
	for _, v := range []int{lim.MaxTokensPerReq, lim.TPM} {
		if v > 0 && (out <= 0 || v < out) {
			out = v
		}
	}
	return out
}

func schemaOf(cfg Config) contract.OutputSchema {
	delim := cfg.Schema.Delimiter
	if delim == "" {
		delim = contract.DefaultDelimiter
	}
	return contract.OutputSchema{Fields: cloneStrings(cfg.Schema.Fields), Delimiter: delim}
}

// parseTimeout: 空串与 "0" 表示不限制。
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: call_timeout %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: call_timeout %q must be >= 0", s)
	}
	return d, nil
}

// cacheNamespace: provider 名 + client + 模型，换模型即换缓存空间。
func cacheNamespace(name string, prov Provider) string {
	var o struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(prov.Options, &o)
	return name + ":" + prov.Client + ":" + o.Model
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
