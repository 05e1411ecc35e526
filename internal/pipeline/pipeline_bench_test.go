package pipeline

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"testing"

	"llmbatch/pkg/contract"
)

// discardWriter 丢弃所有输出，避免磁盘开销。
type discardWriter struct{}

func (discardWriter) Write(_ context.Context, _ contract.ArtifactID, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

// BenchmarkPipeline 测试完整流水线（2000 条记录，k=10）的性能。
func BenchmarkPipeline(b *testing.B) {
	src := writeReviews(b, b.TempDir(), "bench.csv", 2000)
	for _, c := range []int{1, runtime.NumCPU()} {
		b.Run(fmt.Sprintf("C=%d", c), func(b *testing.B) {
			comp := newComponents(b, newMock(b, `{}`), b.TempDir())
			comp.Writer = discardWriter{}
			set := settings(src)
			set.Concurrency = c
			set.MaxTokens = 8000
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := Run(ctx, comp, set, nil); err != nil {
					b.Fatalf("运行失败: %v", err)
				}
			}
		})
	}
}
