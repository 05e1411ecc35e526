package contract

import "context"

// ChunkLimit: 固定批大小。
type ChunkLimit struct {
	// Size: 每批记录数 k，必须为正数。
	Size int
}

// Chunker: 将同一 FileID 的有序 Record 切分为若干定长 Batch。
// 约束：
//  1. 共 ceil(n/k) 批，末批可不足 k 条；n=0 时返回空；
//  2. 不重排、不丢失、不复制记录；
//  3. BatchIndex 为 0..m-1，StartIndex = BatchIndex*k；
//  4. 纯函数，无 I/O。
type Chunker interface {
	Make(ctx context.Context, records []Record, limit ChunkLimit) ([]Batch, error)
}
