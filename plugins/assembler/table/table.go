package table

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"llmbatch/pkg/contract"
)

// Options: 表格编码配置。
type Options struct {
	// BOM: CSV 是否写入 UTF-8 BOM（便于 Excel 识别中文）。默认 true。
	BOM *bool `json:"bom,omitempty"`
	// Comma: CSV 分隔符（单字符）；默认 ","。
	Comma string `json:"comma,omitempty"`
	// CRLF: CSV 行尾使用 \r\n。
	CRLF bool `json:"crlf,omitempty"`
}

// CSV 将有序行编码为 CSV：一行表头，随后每条记录一行。
type CSV struct {
	bom   bool
	comma rune
	crlf  bool
}

// NewCSV 创建 CSV 编码器；opts 可为 nil。
func NewCSV(opts *Options) (*CSV, error) {
	c := &CSV{bom: true, comma: ','}
	if opts == nil {
		return c, nil
	}
	if opts.BOM != nil {
		c.bom = *opts.BOM
	}
	if opts.Comma != "" {
		r := []rune(opts.Comma)
		if len(r) != 1 {
			return nil, fmt.Errorf("csv assembler: comma must be one character: %w", contract.ErrInvalidInput)
		}
		c.comma = r[0]
	}
	c.crlf = opts.CRLF
	return c, nil
}

// Ext 实现 contract.Assembler。
func (c *CSV) Ext() string { return ".csv" }

// Assemble 实现 contract.Assembler。缺失的列写为空串。
func (c *CSV) Assemble(ctx context.Context, header []string, rows []contract.Fields) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(header) == 0 {
		return nil, fmt.Errorf("csv assembler: empty header: %w", contract.ErrInvalidInput)
	}
	var buf bytes.Buffer
	if c.bom {
		buf.Write([]byte{0xEF, 0xBB, 0xBF})
	}
	w := csv.NewWriter(&buf)
	w.Comma = c.comma
	w.UseCRLF = c.crlf
	if err := w.Write(header); err != nil {
		return nil, err
	}
	line := make([]string, len(header))
	for i, r := range rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for j, h := range header {
			line[j] = r[h]
		}
		if err := w.Write(line); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// JSONL 将有序行编码为 JSON Lines，键按表头顺序输出。
type JSONL struct{}

// NewJSONL 创建 JSONL 编码器。
func NewJSONL() *JSONL { return &JSONL{} }

// Ext 实现 contract.Assembler。
func (JSONL) Ext() string { return ".jsonl" }

// Assemble 实现 contract.Assembler。
func (JSONL) Assemble(ctx context.Context, header []string, rows []contract.Fields) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, r := range rows {
		buf.WriteByte('{')
		for j, h := range header {
			if j > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(h)
			v, _ := json.Marshal(r[h])
			buf.Write(k)
			buf.WriteByte(':')
			buf.Write(v)
		}
		buf.WriteString("}\n")
	}
	return &buf, nil
}

var (
	_ contract.Assembler = (*CSV)(nil)
	_ contract.Assembler = JSONL{}
)
