package tabular

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"llmbatch/pkg/contract"
)

// Options 为表格 Splitter 的可选配置。
type Options struct {
	// Format: "csv" | "json" | "jsonl"；为空时按扩展名推断。
	Format string `json:"format,omitempty"`
	// Comma: CSV 分隔符（单字符）；默认 ","。
	Comma string `json:"comma,omitempty"`
	// Columns: 仅保留的列（按给定顺序）；为空表示全部。
	Columns []string `json:"columns,omitempty"`
	// MaxRecords: 记录数上限；0 表示不限制。
	MaxRecords int `json:"max_records,omitempty"`
}

// Splitter 将 CSV/JSON/JSONL 解析为 Dataset。
type Splitter struct {
	format  string
	comma   rune
	columns []string
	max     int
}

// New 创建表格 Splitter。
func New(opts *Options) (*Splitter, error) {
	s := &Splitter{comma: ','}
	if opts == nil {
		return s, nil
	}
	switch f := strings.ToLower(opts.Format); f {
	case "", "csv", "json", "jsonl":
		s.format = f
	default:
		return nil, fmt.Errorf("tabular: unknown format %q: %w", opts.Format, contract.ErrInvalidInput)
	}
	if opts.Comma != "" {
		r := []rune(opts.Comma)
		if len(r) != 1 {
			return nil, fmt.Errorf("tabular: comma must be one character: %w", contract.ErrInvalidInput)
		}
		s.comma = r[0]
	}
	s.columns = append([]string(nil), opts.Columns...)
	if opts.MaxRecords < 0 {
		return nil, fmt.Errorf("tabular: max_records must be >= 0: %w", contract.ErrInvalidInput)
	}
	s.max = opts.MaxRecords
	return s, nil
}

// Split 实现 contract.Splitter。所有解析错误均包装为 ErrInputUnreadable。
func (s *Splitter) Split(ctx context.Context, fileID contract.FileID, r io.Reader) (contract.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return contract.Dataset{}, err
	}
	var (
		header []string
		rows   []contract.Fields
		err    error
	)
	switch s.formatFor(fileID) {
	case "csv":
		header, rows, err = readCSV(r, s.comma)
	case "jsonl":
		header, rows, err = readJSONLines(r)
	default:
		header, rows, err = readJSON(r)
	}
	if err != nil {
		return contract.Dataset{}, fmt.Errorf("tabular: %s: %v: %w", fileID, err, contract.ErrInputUnreadable)
	}
	if s.max > 0 && len(rows) > s.max {
		return contract.Dataset{}, fmt.Errorf("tabular: %s has %d records, limit %d: %w", fileID, len(rows), s.max, contract.ErrInputUnreadable)
	}
	if len(s.columns) > 0 {
		header, rows, err = project(header, rows, s.columns)
		if err != nil {
			return contract.Dataset{}, fmt.Errorf("tabular: %s: %v: %w", fileID, err, contract.ErrInputUnreadable)
		}
	}
	ds := contract.Dataset{FileID: fileID, Header: header, Records: make([]contract.Record, len(rows))}
	for i, f := range rows {
		ds.Records[i] = contract.Record{Index: contract.Index(i), FileID: fileID, Fields: f}
	}
	return ds, nil
}

func (s *Splitter) formatFor(id contract.FileID) string {
	if s.format != "" {
		return s.format
	}
	switch strings.ToLower(path.Ext(string(id))) {
	case ".json":
		return "json"
	case ".jsonl", ".ndjson":
		return "jsonl"
	default:
		return "csv"
	}
}

// project 仅保留指定列；缺失列视为错误。
func project(header []string, rows []contract.Fields, cols []string) ([]string, []contract.Fields, error) {
	have := make(map[string]struct{}, len(header))
	for _, h := range header {
		have[h] = struct{}{}
	}
	for _, c := range cols {
		if _, ok := have[c]; !ok {
			return nil, nil, fmt.Errorf("column %q not found", c)
		}
	}
	out := make([]contract.Fields, len(rows))
	for i, r := range rows {
		f := make(contract.Fields, len(cols))
		for _, c := range cols {
			f[c] = r[c]
		}
		out[i] = f
	}
	return append([]string(nil), cols...), out, nil
}

// headerSet 按首次出现顺序累积字段名。
type headerSet struct {
	order []string
	seen  map[string]struct{}
}

func (h *headerSet) add(k string) {
	if h.seen == nil {
		h.seen = make(map[string]struct{})
	}
	if _, ok := h.seen[k]; ok {
		return
	}
	h.seen[k] = struct{}{}
	h.order = append(h.order, k)
}
