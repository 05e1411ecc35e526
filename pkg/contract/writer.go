package contract

import (
	"context"
	"io"
)

// ArtifactID: 输出工件标识，例如 "reviews_processed.csv"。与 FileID 共用表示。
type ArtifactID = FileID

// Writer 持久化一个输入文件的完整结果。
// 失败时返回 ErrOutputUnwritable，且不得留下半截文件；已有同名文件保持原样。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
