package fixed

import (
	"context"
	"fmt"

	"llmbatch/pkg/contract"
)

// Options: 固定大小分批配置。
// Size 为 0 时使用 ChunkLimit 传入的值。
type Options struct {
	Size int `json:"size,omitempty"`
}

// Chunker 按固定条数切分记录。
type Chunker struct {
	opts Options
}

// New 构造固定大小分批器；opts 可为 nil。
func New(opts *Options) (*Chunker, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Size < 0 {
		return nil, fmt.Errorf("fixed: size must be >= 0: %w", contract.ErrInvalidInput)
	}
	return &Chunker{opts: o}, nil
}

// Make 实现 contract.Chunker。
// 批共享输入切片的底层数组，不复制记录。
func (c *Chunker) Make(ctx context.Context, records []contract.Record, limit contract.ChunkLimit) ([]contract.Batch, error) {
	k := limit.Size
	if c.opts.Size > 0 {
		k = c.opts.Size
	}
	if k <= 0 {
		return nil, fmt.Errorf("fixed: chunk size must be positive, got %d: %w", k, contract.ErrInvalidInput)
	}
	n := len(records)
	if n == 0 {
		return nil, nil
	}
	if err := checkSequence(records); err != nil {
		return nil, err
	}
	m := (n + k - 1) / k
	out := make([]contract.Batch, 0, m)
	for i := 0; i < m; i++ {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		lo := i * k
		hi := lo + k
		if hi > n {
			hi = n
		}
		out = append(out, contract.Batch{
			FileID:     records[0].FileID,
			BatchIndex: int64(i),
			StartIndex: records[lo].Index,
			TotalCount: n,
			Records:    records[lo:hi:hi],
		})
	}
	return out, nil
}

// checkSequence: 同一 FileID，Index 自 0 连续递增。
func checkSequence(records []contract.Record) error {
	fid := records[0].FileID
	for i, r := range records {
		if r.FileID != fid {
			return fmt.Errorf("fixed: mixed file ids %q and %q: %w", fid, r.FileID, contract.ErrInvariantViolation)
		}
		if r.Index != contract.Index(i) {
			return fmt.Errorf("fixed: record %d has index %d: %w", i, r.Index, contract.ErrInvariantViolation)
		}
	}
	return nil
}
