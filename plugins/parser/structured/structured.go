package structured

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"llmbatch/pkg/contract"
)

// Options: 解析器可选配置。
type Options struct {
	// Aliases: 别名 → 识别字段名（例如 "category" → "類別"）。
	Aliases map[string]string `json:"aliases,omitempty"`
}

// Parser 将自由文本响应解析为逐记录结果。
// 每个片段依次尝试 JSON 对象与 Markdown 表格；均失败时以全空结果代替。
type Parser struct {
	schema contract.OutputSchema
	// 规范化键（去空白、小写）→ 识别字段名
	keys map[string]string
}

// New 创建解析器；schema 为识别字段集合与分隔符。
func New(opts *Options, schema contract.OutputSchema) (*Parser, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("parser: schema: %w", err)
	}
	keys := make(map[string]string, len(schema.Fields))
	for _, f := range schema.Fields {
		keys[normKey(f)] = f
	}
	if opts != nil {
		for alias, target := range opts.Aliases {
			if _, ok := keys[normKey(target)]; !ok {
				return nil, fmt.Errorf("parser: alias %q targets unknown field %q: %w", alias, target, contract.ErrInvalidInput)
			}
			keys[normKey(alias)] = target
		}
	}
	return &Parser{schema: schema, keys: keys}, nil
}

// Parse 实现 contract.Parser。永不失败，len(Rows) 恒等于 len(b.Records)。
func (p *Parser) Parse(_ context.Context, b contract.Batch, raw contract.Raw) contract.ParseResult {
	n := len(b.Records)
	var res contract.ParseResult
	rows := make([]contract.Fields, 0, n)
	for _, seg := range p.segments(raw.Text) {
		res.Segments++
		got := p.parseJSON(seg)
		if len(got) == 0 {
			got = p.parseTable(seg)
		}
		if len(got) == 0 {
			res.Unparsed++
			got = []contract.Fields{p.schema.Empty()}
		}
		rows = append(rows, got...)
	}
	// 对齐：多则截断尾部，少则尾部补空
	if len(rows) > n {
		res.Dropped = len(rows) - n
		rows = rows[:n]
	}
	for len(rows) < n {
		rows = append(rows, p.schema.Empty())
		res.Unparsed++
	}
	res.Rows = rows
	return res
}

// segments: 去围栏后按分隔符切分，丢弃空片段。
// 表格行（以 '|' 开头）不参与切分，避免误切表格分隔线。
func (p *Parser) segments(text string) []string {
	text = stripFences(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		s := stripFences(strings.TrimSpace(cur.String()))
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "|") {
			cur.WriteString(line)
			cur.WriteByte('\n')
			continue
		}
		parts := strings.Split(line, p.schema.Delimiter)
		for i, part := range parts {
			if i > 0 {
				flush()
			}
			cur.WriteString(part)
		}
		cur.WriteByte('\n')
	}
	flush()
	return out
}

// stripFences 去除首行 ```lang 与末行 ``` 围栏。
func stripFences(s string) string {
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// parseJSON 从片段中依次解码 JSON 值：对象产出一条结果，对象数组展开为多条。
// 前置说明文字被跳过；不含任何识别字段的对象不计入结果。
func (p *Parser) parseJSON(seg string) []contract.Fields {
	var out []contract.Fields
	pos := 0
	for pos < len(seg) {
		i := strings.IndexAny(seg[pos:], "{[")
		if i < 0 {
			break
		}
		start := pos + i
		dec := json.NewDecoder(strings.NewReader(seg[start:]))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			if len(out) > 0 {
				break
			}
			pos = start + 1
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			if f, ok := p.fromObject(t); ok {
				out = append(out, f)
			}
		case []any:
			for _, it := range t {
				if obj, ok := it.(map[string]any); ok {
					if f, ok := p.fromObject(obj); ok {
						out = append(out, f)
					}
				}
			}
		}
		pos = start + int(dec.InputOffset())
	}
	return out
}

func (p *Parser) fromObject(obj map[string]any) (contract.Fields, bool) {
	out := p.schema.Empty()
	hit := false
	for k, v := range obj {
		if name, ok := p.keys[normKey(k)]; ok {
			out[name] = stringify(v)
			hit = true
		}
	}
	return out, hit
}

// parseTable 识别片段中的 Markdown 表格：表头 + 分隔线 + 数据行。
// 表头能映射到识别字段时按列名取值；否则按位置取值：
// 列数不少于字段数时最后 len(Fields) 列依次对应字段，较少时前几列对应前几个字段。
// 单元格数与表头不一致的行被丢弃。
func (p *Parser) parseTable(seg string) []contract.Fields {
	var lines []string
	for _, l := range strings.Split(seg, "\n") {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, "|") {
			lines = append(lines, l)
		} else if len(lines) > 0 {
			break
		}
	}
	if len(lines) < 3 || !isSeparator(lines[1]) {
		return nil
	}
	head := splitRow(lines[0])
	cols := make([]string, len(head))
	mapped := 0
	for i, h := range head {
		if name, ok := p.keys[normKey(h)]; ok {
			cols[i] = name
			mapped++
		}
	}
	if mapped == 0 {
		fields := p.schema.Fields
		if off := len(head) - len(fields); off >= 0 {
			copy(cols[off:], fields)
		} else {
			copy(cols, fields)
		}
	}
	var out []contract.Fields
	for _, l := range lines[2:] {
		cells := splitRow(l)
		if len(cells) != len(head) {
			continue
		}
		f := p.schema.Empty()
		for i, c := range cells {
			if cols[i] != "" {
				f[cols[i]] = c
			}
		}
		out = append(out, f)
	}
	return out
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func isSeparator(line string) bool {
	cells := splitRow(line)
	for _, c := range cells {
		c = strings.Trim(c, ":")
		if c == "" || strings.Trim(c, "-") != "" {
			return false
		}
	}
	return len(cells) > 0
}

func normKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

var _ contract.Parser = (*Parser)(nil)
