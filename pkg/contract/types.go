package contract

import "sort"

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Index: 单文件内稳定递增的索引（0..n-1），即记录身份。
type Index int64

// Fields: 扁平字段映射（字段名 → 字符串值）。
// 数值/布尔在 Splitter 中统一渲染为字符串；null 记为空串。
type Fields map[string]string

// Clone 返回独立副本；nil 仍为 nil。
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keys 返回按字典序排列的字段名。
func (f Fields) Keys() []string {
	ks := make([]string, 0, len(f))
	for k := range f {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// Record: 原子输入单元（不可跨文件）。
// 约束：
// - FileID 一致；
// - Index 自 0 严格递增；
// - Fields 原样保留，不做业务性清洗。
type Record struct {
	Index  Index
	FileID FileID
	Fields Fields
}

// Dataset: Splitter 的产物。Header 为输入字段名的有序并集（首次出现顺序）。
type Dataset struct {
	FileID  FileID
	Header  []string
	Records []Record
}

// Batch: 连续记录切片。
// 约束：同源文件、按 Index 严格升序、批间无重叠无遗漏。
type Batch struct {
	FileID FileID
	// BatchIndex: 同一 FileID 内的批序（0..m-1，严格递增），聚合排序键。
	BatchIndex int64
	// StartIndex: 本批首条记录的全局 Index。
	StartIndex Index
	// TotalCount: 整个输入的记录总数（用于提示词中的进度说明）。
	TotalCount int
	Records    []Record
	// Header: 数据集列名（序列化批次时使用）。
	Header []string
}

// EndIndex 返回本批末条记录的全局 Index（闭区间）；空批返回 StartIndex-1。
func (b Batch) EndIndex() Index {
	return b.StartIndex + Index(len(b.Records)) - 1
}
