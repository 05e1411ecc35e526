package contract

import (
	"context"
	"io"
)

// Reader 枚举输入文件（文件、目录或 "-" 表示 STDIN）。
// 全部根路径在首次回调前解析并确认可读，否则返回 ErrInputUnreadable，此时尚未调用任何后端。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(fileID FileID, r io.ReadCloser) error) error
}
