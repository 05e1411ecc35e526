package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "llmbatch/internal/config"
	"llmbatch/internal/diag"
)

// 配置来源的环境变量（不属于 Config 本身）。
const (
	envConfigFile = cfgpkg.EnvPrefix + "CONFIG_FILE"
	envConfigJSON = cfgpkg.EnvPrefix + "CONFIG_JSON"
)

type runFlags struct {
	config      string
	llm         string
	concurrency int
	chunkSize   int
	maxTokens   int
	// maxRetries: -1 表示未覆盖；0 有语义（不重试）。
	maxRetries  int
	callTimeout string
	out         string
	status      bool
	metricsFile string
	cache       bool
	dumpConfig  bool
}

func newRunCmd() *cobra.Command {
	var fl runFlags
	cmd := &cobra.Command{
		Use:   "run [inputs...]",
		Short: "Classify the records of CSV/JSON inputs (files, directories or - for STDIN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, args, fl)
		},
	}
	f := cmd.Flags()
	f.StringVar(&fl.config, "config", "", "config file (JSON or YAML); defaults to ./config.json or ./config.yaml")
	f.StringVar(&fl.llm, "llm", "", "provider name (overrides config)")
	f.IntVar(&fl.concurrency, "concurrency", 0, "max in-flight backend calls")
	f.IntVar(&fl.chunkSize, "chunk-size", 0, "records per batch")
	f.IntVar(&fl.maxTokens, "max-tokens", 0, "per-request token budget")
	f.IntVar(&fl.maxRetries, "max-retries", -1, "retries for transient backend failures (0 disables)")
	f.StringVar(&fl.callTimeout, "call-timeout", "", "per-call timeout, e.g. 60s (0 disables)")
	f.StringVar(&fl.out, "out", "", "output directory of the fs writer")
	f.BoolVar(&fl.status, "status", true, "terminal progress on stderr")
	f.StringVar(&fl.metricsFile, "metrics-file", "", "write Prometheus metrics (textfile format) on exit")
	f.BoolVar(&fl.cache, "cache", false, "cache backend responses in SQLite")
	f.BoolVar(&fl.dumpConfig, "dump-config", false, "print the effective config and exit")
	return cmd
}

// loadConfig 按 defaults < file < env < CLI 合并出最终配置。
func loadConfig(cmd *cobra.Command, roots []string, fl runFlags) (cfgpkg.Config, error) {
	cfg := cfgpkg.Defaults()

	path := fl.config
	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	var (
		base cfgpkg.Config
		err  error
		have bool
	)
	switch {
	case path != "":
		base, err = cfgpkg.LoadFile(path)
		have = true
	case os.Getenv(envConfigJSON) != "":
		base, err = cfgpkg.LoadJSON("", []byte(os.Getenv(envConfigJSON)))
		have = true
	default:
		if p := cfgpkg.FindDefault("."); p != "" {
			base, err = cfgpkg.LoadFile(p)
			have = true
		}
	}
	if err != nil {
		return cfg, fmt.Errorf("配置解析失败: %w", err)
	}
	if have {
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	over := cfgpkg.Config{MaxRetries: -1}
	over.LLM = fl.llm
	over.Concurrency = fl.concurrency
	over.ChunkSize = fl.chunkSize
	over.MaxTokens = fl.maxTokens
	if fl.maxRetries >= 0 {
		over.MaxRetries = fl.maxRetries
	}
	over.CallTimeout = fl.callTimeout
	if len(roots) > 0 {
		over.Inputs = roots
	}
	if cmd.Flags().Changed("cache") {
		v := fl.cache
		over.Cache.Enabled = &v
	}
	cfg = cfgpkg.Merge(cfg, over)

	if fl.out != "" {
		raw, err := withOutputDir(cfg.Options.Writer, fl.out)
		if err != nil {
			return cfg, fmt.Errorf("writer options: %w", err)
		}
		cfg.Options.Writer = raw
	}
	return cfg, nil
}

// withOutputDir 在保留其他 writer 选项的前提下替换 output_dir。
func withOutputDir(raw json.RawMessage, dir string) (json.RawMessage, error) {
	m := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	m["output_dir"] = dir
	return json.Marshal(m)
}

func runPipeline(cmd *cobra.Command, roots []string, fl runFlags) error {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前加载 .env（不覆盖已有 ENV）
	if err := cfgpkg.LoadDotEnv(".env"); err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	cfg, err := loadConfig(cmd, roots, fl)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if fl.dumpConfig {
		return dumpConfig(cmd.OutOrStdout(), cfg)
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		_ = dumpConfig(cmd.ErrOrStderr(), cfg)
		return configErr("配置校验失败: %w", err)
	}

	logger := diag.New(diag.LogOptions{
		CorrID:   corrID,
		Level:    cfg.Logging.Level,
		Dir:      cfg.Logging.Dir,
		MaxBytes: int64(cfg.Logging.MaxMB) << 20,
		Keep:     cfg.Logging.Keep,
	})
	defer func() { _ = logger.Sync() }()

	rt, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		logger.Error("pipeline", string(diag.Classify(err)), "assemble failed: "+err.Error(), &start)
		return configErr("装配失败: %w", err)
	}
	defer func() { _ = rt.Close() }()
	for _, w := range rt.Warnings {
		logger.Warn("config", string(diag.CodeUnknown), w, "", "", nil)
		fmt.Fprintln(cmd.ErrOrStderr(), "提示: "+w)
	}
	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	term := diag.NewTerminal(cmd.ErrOrStderr(), fl.status)
	rt.Settings.Progress = term
	term.RunStart(cfg.Concurrency, cfg.LLM)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	t := logger.Start("pipeline", "run")
	rep, err := pipelineRun(ctx, rt.Components, rt.Settings, logger)
	if rt.Cache != nil {
		hits, misses := rt.Cache.Stats()
		logger.DebugStart("cache", "stats", "", "", map[string]string{"hits": strconv.FormatInt(hits, 10), "misses": strconv.FormatInt(misses, 10)})
	}
	defer writeMetrics(cmd, fl.metricsFile)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error: "+err.Error(), &start)
		diag.IncOp("pipeline", "error", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		term.RunFinish(false, time.Since(start))
		if errors.Is(err, context.Canceled) {
			return &exitError{code: exitRuntime}
		}
		return runtimeErr("运行失败: %w", err)
	}
	t.Finish("run", int64(rep.Records()))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, time.Since(start))
	fmt.Fprintln(cmd.OutOrStdout(), rep.Summary())
	return nil
}

func writeMetrics(cmd *cobra.Command, path string) {
	if path == "" {
		return
	}
	if err := diag.WriteMetricsFile(path); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "指标写出失败: %v\n", err)
	}
}

// effectiveKV: 运行时配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count":   strconv.Itoa(len(cfg.Inputs)),
		"concurrency":    strconv.Itoa(cfg.Concurrency),
		"chunk_size":     strconv.Itoa(cfg.ChunkSize),
		"max_tokens":     strconv.Itoa(cfg.MaxTokens),
		"max_retries":    strconv.Itoa(cfg.MaxRetries),
		"call_timeout":   cfg.CallTimeout,
		"llm":            cfg.LLM,
		"fields":         strings.Join(cfg.Schema.Fields, ","),
		"reader":         cfg.Components.Reader,
		"splitter":       cfg.Components.Splitter,
		"chunker":        cfg.Components.Chunker,
		"prompt_builder": cfg.Components.PromptBuilder,
		"parser":         cfg.Components.Parser,
		"assembler":      cfg.Components.Assembler,
		"writer":         cfg.Components.Writer,
		"cache":          strconv.FormatBool(cfg.Cache.On()),
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL  string `json:"base_url"`
			Model    string `json:"model"`
			Endpoint string `json:"endpoint_path"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
		if s.Endpoint != "" {
			kv["endpoint_path"] = s.Endpoint
		}
	}
	return kv
}
