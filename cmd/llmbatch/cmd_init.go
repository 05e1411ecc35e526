package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	cfgpkg "llmbatch/internal/config"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write a runnable config.json and a .env template (never overwrites)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return configErr("生成默认配置失败: %w", err)
			}
			cfgPath := filepath.Join(dir, "config.json")
			if err := writeConfig(cfgPath, cfgpkg.DefaultTemplateConfig()); err != nil {
				return configErr("生成默认配置失败: %w", err)
			}
			if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfgPath)
			return nil
		},
	}
}

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "有效配置:\n%s\n", b)
	return err
}

// writeConfig 写出配置；path 为 "-" 时写到 stdout。已存在的文件不覆盖。
func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

// dotEnvTemplate: 支持的覆盖项与常见供应商密钥；空值表示未设置。
func dotEnvTemplate() string {
	p := cfgpkg.EnvPrefix
	var b strings.Builder
	b.WriteString("# llmbatch .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源（二选一）\n")
	b.WriteString(p + "CONFIG_FILE=\n")
	b.WriteString(p + "CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"INPUTS", "CONCURRENCY", "CHUNK_SIZE", "MAX_TOKENS", "MAX_RETRIES", "CALL_TIMEOUT", "LLM",
		"TOKEN_ESTIMATOR", "SCHEMA_FIELDS", "SCHEMA_DELIMITER", "LOG_LEVEL", "CACHE_ENABLED", "CACHE_PATH"} {
		b.WriteString(p + k + "=\n")
	}
	b.WriteString("\n# 组件选择\n")
	for _, k := range []string{"READER", "SPLITTER", "CHUNKER", "PROMPT_BUILDER", "PARSER", "ASSEMBLER", "WRITER"} {
		b.WriteString(p + "COMPONENTS_" + k + "=\n")
	}
	for _, name := range []string{"openai", "gemini"} {
		fmt.Fprintf(&b, "\n# Provider 覆盖（%s）\n", name)
		for _, k := range []string{"CLIENT", "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ", "OPTIONS_JSON"} {
			fmt.Fprintf(&b, "%sPROVIDER__%s__%s=\n", p, name, k)
		}
	}
	b.WriteString("\n# 供应商 API Key（由客户端直接读取）\n")
	b.WriteString("OPENAI_API_KEY=\n")
	b.WriteString("GOOGLE_API_KEY=\n")
	b.WriteString("\n# scrape rankings 登录\n")
	b.WriteString(envSensorEmail + "=\n")
	b.WriteString(envSensorPassword + "=\n")
	return b.String()
}

// writeDotEnv 生成 .env 模板；文件已存在时跳过。
func writeDotEnv(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(dotEnvTemplate())
	return err
}
