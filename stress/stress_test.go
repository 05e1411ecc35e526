package stress

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	cfgpkg "llmbatch/internal/config"
	"llmbatch/internal/diag"
	"llmbatch/internal/pipeline"
)

// writeInput 生成 n 条评论的 CSV。
func writeInput(t *testing.T, dir string, n int) string {
	t.Helper()
	p := filepath.Join(dir, "input.csv")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create input: %v", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	_ = w.Write([]string{"使用者", "評分", "留言內容"})
	for i := 0; i < n; i++ {
		_ = w.Write([]string{"user" + strconv.Itoa(i), strconv.Itoa(i%5 + 1), fmt.Sprintf("第 %d 則評論，出貨速度與品質描述", i)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return p
}

// baseConfig 构造可运行的最小配置。
func baseConfig(input, outDir string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{input}
	cfg.ChunkSize = 10
	cfg.Logging.Level = "error"
	cfg.Provider = map[string]cfgpkg.Provider{}
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"atomic":true,"flat":true}`, outDir))
	return cfg
}

func runPipeline(cfg cfgpkg.Config) (pipeline.Report, error) {
	rt, err := cfgpkg.Assemble(cfg, diag.Nop())
	if err != nil {
		return pipeline.Report{}, err
	}
	defer rt.Close()
	return pipeline.Run(context.Background(), rt.Components, rt.Settings, diag.Nop())
}

// TestStress 在不同并发度下运行流水线并记录延迟统计。
// mock 按剩余记录数延迟，批次完成顺序与提交顺序相反，用于检验汇合排序。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	const records = 2000
	in := writeInput(t, t.TempDir(), records)
	levels := []int{1, 8, 16, 32, 64}
	for _, conc := range levels {
		t.Run(fmt.Sprintf("concurrency_%d", conc), func(t *testing.T) {
			const runs = 5
			successes := 0
			latencies := make([]time.Duration, 0, runs)
			for i := 0; i < runs; i++ {
				outDir := t.TempDir()
				cfg := baseConfig(in, outDir)
				cfg.Concurrency = conc
				cfg.LLM = "mock"
				cfg.Provider["mock"] = cfgpkg.Provider{
					Client:  "mock",
					Options: json.RawMessage(`{"prefix":"STRESS","delay_ms":0}`),
				}
				start := time.Now()
				rep, err := runPipeline(cfg)
				dur := time.Since(start)
				if err != nil {
					t.Errorf("run %d: %v", i, err)
					continue
				}
				if rep.Records() != records || rep.Degraded() != 0 {
					t.Errorf("run %d: unexpected report %s", i, rep.Summary())
					continue
				}
				successes++
				latencies = append(latencies, dur)
			}
			if successes == 0 {
				t.Fatalf("全部运行失败")
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
			if idx < 0 {
				idx = 0
			}
			p95 := latencies[idx]
			t.Logf("并发%d 成功率%.2f 平均%v 95%%延迟%v", conc, float64(successes)/float64(runs), avg, p95)
		})
	}
}

// TestStressOutOfOrderCompletion: 乱序完成时输出仍保持输入顺序。
func TestStressOutOfOrderCompletion(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	const records = 200
	in := writeInput(t, t.TempDir(), records)
	outDir := t.TempDir()
	cfg := baseConfig(in, outDir)
	cfg.Concurrency = 20
	cfg.LLM = "mock"
	cfg.Provider["mock"] = cfgpkg.Provider{Client: "mock", Options: json.RawMessage(`{"delay_ms":1}`)}
	if _, err := runPipeline(cfg); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	f, err := os.Open(filepath.Join(outDir, "input_processed.csv"))
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(rows) != records+1 {
		t.Fatalf("rows: %d", len(rows))
	}
	for i, row := range rows[1:] {
		if row[0] != "user"+strconv.Itoa(i) || row[3] != "MOCK:類別#"+strconv.Itoa(i) {
			t.Fatalf("row %d out of order: %v", i, row)
		}
	}
}
