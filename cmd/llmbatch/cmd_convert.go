package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"llmbatch/internal/report"
	"llmbatch/internal/scrape"
	"llmbatch/pkg/contract"
)

func newToCSVCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "tocsv <raw.txt>",
		Short: "Convert saved review card text (cards separated by ---) into a CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return runtimeErr("%w: %v", contract.ErrInputUnreadable, err)
			}
			reviews, skipped := scrape.ParseReviewBlocks(string(b))
			dir := out
			if dir == "" {
				dir = filepath.Dir(args[0])
			}
			name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])) + ".csv"
			if err := writeReviewsCSV(cmd.Context(), dir, name, reviews); err != nil {
				return runtimeErr("%w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d reviews, %d skipped\n", filepath.Join(dir, name), len(reviews), skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output directory (default: next to the input)")
	return cmd
}

func newReportCmd() *cobra.Command {
	var (
		out     string
		title   string
		tallies []string
	)
	cmd := &cobra.Command{
		Use:   "report <file.csv|file.md|file.txt>",
		Short: "Render a processed CSV (or the first Markdown table of a text file) as an HTML report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := args[0]
			tb, err := loadTable(cmd.Context(), in)
			if err != nil {
				return runtimeErr("%w", err)
			}
			if title == "" {
				title = filepath.Base(in)
			}
			body, err := report.Bytes(report.Report{Title: title, Table: tb, Tallies: report.Tallies(tb, tallies)})
			if err != nil {
				return runtimeErr("render: %w", err)
			}
			dir := out
			if dir == "" {
				dir = filepath.Dir(in)
			}
			name := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in)) + ".html"
			if err := writeArtifact(cmd.Context(), dir, name, bytes.NewReader(body)); err != nil {
				return runtimeErr("%w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(dir, name))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&out, "out", "", "output directory (default: next to the input)")
	f.StringVar(&title, "title", "", "report title (default: file name)")
	f.StringSliceVar(&tallies, "tally", nil, "columns to summarize by value counts")
	return cmd
}

// loadTable: .csv 按表格读取；其他扩展名在文本中查找 Markdown 表格。
func loadTable(ctx context.Context, path string) (report.Table, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return report.LoadCSV(ctx, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return report.Table{}, fmt.Errorf("%w: %v", contract.ErrInputUnreadable, err)
	}
	tb, ok := report.ExtractMarkdownTable(string(b))
	if !ok {
		return report.Table{}, fmt.Errorf("%s: no markdown table found: %w", path, contract.ErrInputUnreadable)
	}
	return tb, nil
}
