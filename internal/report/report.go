// Package report 将处理结果（CSV 或文本中的 Markdown 表格）渲染为 HTML 报告。
package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"llmbatch/pkg/contract"
	"llmbatch/plugins/splitter/tabular"
)

// Table: 报告中的一张表。
type Table struct {
	Header []string
	Rows   [][]string
}

// Tally: 某一列的取值计数，按次数降序。
type Tally struct {
	Column string
	Counts []Count
}

// Count: 单个取值及其出现次数。
type Count struct {
	Value string
	N     int
}

// Report: 渲染输入。
type Report struct {
	Title     string
	Generated time.Time
	Table     Table
	Tallies   []Tally
}

// FromDataset 将 Dataset 转为表格，列顺序沿用 Header。
func FromDataset(ds contract.Dataset) Table {
	t := Table{Header: append([]string(nil), ds.Header...)}
	for _, r := range ds.Records {
		row := make([]string, len(t.Header))
		for i, h := range t.Header {
			row[i] = r.Fields[h]
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// LoadCSV 读取 CSV 文件（容忍 BOM 与参差行）。
func LoadCSV(ctx context.Context, path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("report: %w: %v", contract.ErrInputUnreadable, err)
	}
	defer f.Close()
	sp, err := tabular.New(&tabular.Options{Format: "csv"})
	if err != nil {
		return Table{}, err
	}
	ds, err := sp.Split(ctx, contract.FileID(filepath.Base(path)), f)
	if err != nil {
		return Table{}, fmt.Errorf("report: %w", err)
	}
	return FromDataset(ds), nil
}

// ExtractMarkdownTable 从自由文本中取出第一张 Markdown 表格。
// 表头之后须紧跟分隔行（|---|---|）；未找到时 ok=false。
func ExtractMarkdownTable(text string) (Table, bool) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i := 0; i+1 < len(lines); i++ {
		if !isRow(lines[i]) || !isSeparator(lines[i+1]) {
			continue
		}
		t := Table{Header: cells(lines[i])}
		for _, l := range lines[i+2:] {
			if !isRow(l) {
				break
			}
			row := cells(l)
			// 对齐到表头宽度
			switch {
			case len(row) < len(t.Header):
				row = append(row, make([]string, len(t.Header)-len(row))...)
			case len(row) > len(t.Header):
				row = row[:len(t.Header)]
			}
			t.Rows = append(t.Rows, row)
		}
		return t, true
	}
	return Table{}, false
}

func isRow(l string) bool {
	l = strings.TrimSpace(l)
	return strings.HasPrefix(l, "|") && strings.Count(l, "|") >= 2
}

func isSeparator(l string) bool {
	if !isRow(l) {
		return false
	}
	for _, c := range cells(l) {
		c = strings.Trim(c, ":")
		if c == "" || strings.Trim(c, "-") != "" {
			return false
		}
	}
	return true
}

func cells(l string) []string {
	l = strings.TrimSpace(l)
	l = strings.TrimPrefix(l, "|")
	l = strings.TrimSuffix(l, "|")
	parts := strings.Split(l, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Tallies 统计指定列的取值分布；不存在的列忽略，空值不计。
func Tallies(t Table, columns []string) []Tally {
	var out []Tally
	for _, col := range columns {
		idx := -1
		for i, h := range t.Header {
			if h == col {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		m := map[string]int{}
		for _, r := range t.Rows {
			if v := strings.TrimSpace(r[idx]); v != "" {
				m[v]++
			}
		}
		counts := make([]Count, 0, len(m))
		for v, n := range m {
			counts = append(counts, Count{Value: v, N: n})
		}
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].N != counts[j].N {
				return counts[i].N > counts[j].N
			}
			return counts[i].Value < counts[j].Value
		})
		out = append(out, Tally{Column: col, Counts: counts})
	}
	return out
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="zh-Hant">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 2em; }
th, td { border: 1px solid #999; padding: 4px 8px; text-align: left; vertical-align: top; }
th { background: #eee; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>Generated {{.Generated.Format "2006-01-02 15:04"}} · {{len .Table.Rows}} rows</p>
{{range .Tallies}}<h2>{{.Column}}</h2>
<table><tr><th>value</th><th>count</th></tr>
{{range .Counts}}<tr><td>{{.Value}}</td><td>{{.N}}</td></tr>
{{end}}</table>
{{end}}<table>
<tr>{{range .Table.Header}}<th>{{.}}</th>{{end}}</tr>
{{range .Table.Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
</body>
</html>
`))

// Render 将报告写入 w。
func Render(w io.Writer, r Report) error {
	if r.Generated.IsZero() {
		r.Generated = time.Now()
	}
	if r.Title == "" {
		r.Title = "Report"
	}
	return page.Execute(w, r)
}

// Bytes 渲染到内存，便于交给 Writer 原子落盘。
func Bytes(r Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := Render(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
