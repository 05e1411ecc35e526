package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 规范化路径，统一为跨平台稳定的 FileID。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}

// Stem 返回 FileID 的基名去掉扩展名（"data/reviews.csv" → "reviews"）。
func (id FileID) Stem() string {
	base := path.Base(string(id))
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// Dir 返回 FileID 的目录部分；无目录时为 "."。
func (id FileID) Dir() string {
	return path.Dir(string(id))
}
