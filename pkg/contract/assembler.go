package contract

import (
	"context"
	"io"
)

// Assembler: 将聚合后的有序行编码为最终工件字节流（CSV/JSONL）。
// 约束：
//  1. 仅编码，不排序不去重；
//  2. 列顺序严格按 header；
//  3. 输入相同则输出字节相同。
type Assembler interface {
	Assemble(ctx context.Context, header []string, rows []Fields) (io.Reader, error)
	// Ext 返回工件扩展名（含点，如 ".csv"）。
	Ext() string
}
