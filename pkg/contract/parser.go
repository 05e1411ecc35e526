package contract

import "context"

// OutputSchema: 识别字段集合与分隔符，PromptBuilder 与 Parser 共享。
type OutputSchema struct {
	Fields    []string
	Delimiter string
}

// DefaultDelimiter: 结果之间的默认分隔符。
const DefaultDelimiter = "-----"

// Validate 校验字段集合非空、无重复且分隔符非空。
func (s OutputSchema) Validate() error {
	if len(s.Fields) == 0 || s.Delimiter == "" {
		return ErrInvalidInput
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f == "" {
			return ErrInvalidInput
		}
		if _, dup := seen[f]; dup {
			return ErrInvalidInput
		}
		seen[f] = struct{}{}
	}
	return nil
}

// Empty 返回所有识别字段均为空串的结果。
func (s OutputSchema) Empty() Fields {
	out := make(Fields, len(s.Fields))
	for _, f := range s.Fields {
		out[f] = ""
	}
	return out
}

// ParseResult: 单批解析产物。
// 不变量：len(Rows) == len(Batch.Records)，且每行包含全部识别字段。
type ParseResult struct {
	Rows []Fields
	// Segments: 按分隔符切出的非空片段数。
	Segments int
	// Unparsed: 以全空结果代替的条目数（无法识别的片段 + 补齐项）。
	Unparsed int
	// Dropped: 超出批长度而被截断的结果数。
	Dropped int
}

// Parser: 将原始响应解析为逐记录结构化结果。
// 永不失败：无法识别的部分以全空结果代替，并按批长度补齐/截断。
type Parser interface {
	Parse(ctx context.Context, b Batch, raw Raw) ParseResult
}
