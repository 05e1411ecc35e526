package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"llmbatch/internal/pipeline"
)

// version 由构建时 -ldflags 注入。
var version = "dev"

// 退出码：0 成功；1 运行期失败；3 配置/装配失败。
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

var pipelineRun = pipeline.Run

// exitError 携带退出码的错误。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func configErr(format string, a ...any) error {
	return &exitError{code: exitConfig, err: fmt.Errorf(format, a...)}
}

func runtimeErr(format string, a ...any) error {
	return &exitError{code: exitRuntime, err: fmt.Errorf(format, a...)}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行命令行并返回退出码。未指定子命令时等同于 run。
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetOut(stdout)
	root.SetErr(stderr)
	if len(args) == 0 || !isSubcommand(root, args[0]) {
		args = append([]string{"run"}, args...)
	}
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, ee.err)
		}
		return ee.code
	}
	// cobra 的参数/旗标错误
	fmt.Fprintln(stderr, err)
	return exitConfig
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "llmbatch",
		Short: "Chunked batch classification of tabular records with an LLM",
		Long: "llmbatch splits CSV/JSON records into fixed-size batches, sends each batch to an LLM\n" +
			"with bounded concurrency, parses the free-text replies back into fields and writes one\n" +
			"ordered output file per input.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newScrapeCmd())
	root.AddCommand(newToCSVCmd())
	root.AddCommand(newReportCmd())
	return root
}

// isSubcommand: 首个参数是否为子命令或帮助/版本旗标。
func isSubcommand(root *cobra.Command, first string) bool {
	switch first {
	case "-h", "--help", "--version", "help":
		return true
	}
	for _, c := range root.Commands() {
		if c.Name() == first || c.HasAlias(first) {
			return true
		}
	}
	return false
}
