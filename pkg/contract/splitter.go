package contract

import (
	"context"
	"io"
)

// Splitter 将一个输入文件解析为表头与有序记录（Index 为 0..n-1）。
// 无法解析时返回 ErrInputUnreadable。
type Splitter interface {
	Split(ctx context.Context, fileID FileID, r io.Reader) (Dataset, error)
}
