package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"llmbatch/internal/diag"
	"llmbatch/internal/rate"
	"llmbatch/pkg/contract"
	table "llmbatch/plugins/assembler/table"
	"llmbatch/plugins/chunker/fixed"
	"llmbatch/plugins/llmclient/flaky"
	"llmbatch/plugins/llmclient/mock"
	"llmbatch/plugins/parser/structured"
	"llmbatch/plugins/prompt/classify"
	rfs "llmbatch/plugins/reader/filesystem"
	"llmbatch/plugins/splitter/tabular"
	wfs "llmbatch/plugins/writer/filesystem"
)

var testSchema = contract.OutputSchema{Fields: []string{"類別", "情感"}, Delimiter: contract.DefaultDelimiter}

// writeReviews 写出 n 条评论的 CSV（id, 留言內容）。
func writeReviews(t testing.TB, dir, name string, n int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("id,留言內容\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%d,評論 %d\n", i, i)
	}
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(sb.String()), 0o644))
	return p
}

func newComponents(t testing.TB, llm contract.LLMClient, outDir string) Components {
	t.Helper()
	sp, err := tabular.New(nil)
	require.NoError(t, err)
	ch, err := fixed.New(nil)
	require.NoError(t, err)
	pb, err := classify.New(nil, testSchema)
	require.NoError(t, err)
	ps, err := structured.New(nil, testSchema)
	require.NoError(t, err)
	asm, err := table.NewCSV(nil)
	require.NoError(t, err)
	w, err := wfs.New(&wfs.Options{OutputDir: outDir})
	require.NoError(t, err)
	return Components{
		Reader: rfs.New(nil), Splitter: sp, Chunker: ch, PromptBuilder: pb,
		LLM: llm, Parser: ps, Assembler: asm, Writer: w,
	}
}

func settings(inputs ...string) Settings {
	return Settings{
		Inputs:      inputs,
		Concurrency: 4,
		ChunkSize:   10,
		MaxRetries:  1,
		RetryPause:  time.Millisecond,
		CallTimeout: 5 * time.Second,
		Schema:      testSchema,
	}
}

func newMock(t testing.TB, raw string) *mock.Client {
	t.Helper()
	c, err := mock.New(json.RawMessage(raw), testSchema)
	require.NoError(t, err)
	return c
}

func newFlaky(t *testing.T, raw string) *flaky.Client {
	t.Helper()
	c, err := flaky.New(json.RawMessage(raw), testSchema)
	require.NoError(t, err)
	return c
}

// readOutput 读取 CSV 工件（去 BOM），返回表头与数据行。
func readOutput(t *testing.T, path string) ([]string, [][]string) {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b = bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF})
	recs, err := csv.NewReader(bytes.NewReader(b)).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	return recs[0], recs[1:]
}

func column(rows [][]string, i int) []string {
	out := make([]string, len(rows))
	for k, r := range rows {
		out[k] = r[i]
	}
	return out
}

func mockValues(field string, from, to int) []string {
	var out []string
	for i := from; i < to; i++ {
		out = append(out, "MOCK:"+field+"#"+strconv.Itoa(i))
	}
	return out
}

func TestRunEndToEnd(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 25)
	llm := newMock(t, `{}`)

	rep, err := Run(context.Background(), newComponents(t, llm, out), settings(src), nil)
	require.NoError(t, err)
	require.Len(t, rep.Files, 1)
	fr := rep.Files[0]
	assert.Equal(t, 25, fr.Records)
	assert.Equal(t, 3, fr.Batches)
	assert.Zero(t, fr.Degraded)
	assert.Zero(t, fr.Unparsed)
	assert.Equal(t, StateWritten, fr.State)
	assert.Equal(t, int64(3), llm.Calls())
	assert.Equal(t, "reviews_processed.csv", filepath.Base(string(fr.Artifact)))
	assert.Equal(t, "1 file, 25 records, 0 batches degraded", rep.Summary())

	header, rows := readOutput(t, filepath.Join(out, "reviews_processed.csv"))
	assert.Equal(t, []string{"id", "留言內容", "類別", "情感"}, header)
	require.Len(t, rows, 25)
	if diff := cmp.Diff(mockValues("類別", 0, 25), column(rows, 2)); diff != "" {
		t.Fatalf("類別 列顺序不符 (-want +got):\n%s", diff)
	}
	assert.Equal(t, "評論 24", rows[24][1])
}

// recordingLLM 记录批完成顺序。
type recordingLLM struct {
	inner contract.LLMClient
	mu    sync.Mutex
	order []int64
}

func (r *recordingLLM) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	raw, err := r.inner.Invoke(ctx, b, p)
	r.mu.Lock()
	r.order = append(r.order, b.BatchIndex)
	r.mu.Unlock()
	return raw, err
}

// 后发先至：完成顺序与批序相反，输出仍为原始顺序。
func TestRunOutOfOrderCompletion(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 30)
	llm := &recordingLLM{inner: newMock(t, `{"delay_ms": 4}`)}

	set := settings(src)
	set.Concurrency = 3
	_, err := Run(context.Background(), newComponents(t, llm, out), set, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 0}, llm.order)

	_, rows := readOutput(t, filepath.Join(out, "reviews_processed.csv"))
	if diff := cmp.Diff(mockValues("情感", 0, 30), column(rows, 3)); diff != "" {
		t.Fatalf("输出未按原始顺序 (-want +got):\n%s", diff)
	}
	for i, r := range rows {
		assert.Equal(t, strconv.Itoa(i), r[0])
	}
}

// 第 2 批两次瞬时失败：重试耗尽后降级，其余批正常。
func TestRunDegradedBatch(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 30)
	llm := newFlaky(t, `{"fail_batches": [1], "fail_times": 2}`)

	core, logs := observer.New(zapcore.WarnLevel)
	rep, err := Run(context.Background(), newComponents(t, llm, out), settings(src), diag.FromZap(zap.New(core)))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Degraded())
	assert.Contains(t, rep.Summary(), "1 batch degraded")
	assert.Equal(t, 2, llm.Attempts(1))
	assert.Equal(t, 1, llm.Attempts(0))
	assert.Equal(t, 1, logs.FilterMessageSnippet("batch degraded").Len())

	_, rows := readOutput(t, filepath.Join(out, "reviews_processed.csv"))
	require.Len(t, rows, 30)
	for i, r := range rows {
		if i >= 10 && i < 20 {
			assert.Equal(t, []string{"", ""}, r[2:], "row %d", i)
			// 原始字段保留
			assert.Equal(t, strconv.Itoa(i), r[0])
			continue
		}
		assert.Equal(t, "MOCK:類別#"+strconv.Itoa(i), r[2], "row %d", i)
	}
}

func TestRunRetryRecovers(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 30)
	llm := newFlaky(t, `{"fail_batches": [1], "fail_times": 1, "failure": "rate_limited"}`)

	rep, err := Run(context.Background(), newComponents(t, llm, out), settings(src), nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Degraded())
	assert.Equal(t, 2, llm.Attempts(1))
}

func TestRunNonTransientNotRetried(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 30)
	llm := newFlaky(t, `{"fail_batches": [0], "fail_times": 1, "failure": "invalid"}`)

	rep, err := Run(context.Background(), newComponents(t, llm, out), settings(src), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Degraded())
	assert.Equal(t, 1, llm.Attempts(0))
}

func TestRunZeroRetries(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 10)
	llm := newFlaky(t, `{"fail_times": 1}`)

	set := settings(src)
	set.MaxRetries = 0
	rep, err := Run(context.Background(), newComponents(t, llm, out), set, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Degraded())
	assert.Equal(t, 1, llm.Attempts(0))
}

// 调用超时视为瞬时失败，重试后成功。
func TestRunCallTimeoutRetried(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 10)
	llm := newFlaky(t, `{"fail_times": 1, "failure": "hang"}`)

	set := settings(src)
	set.CallTimeout = 30 * time.Millisecond
	rep, err := Run(context.Background(), newComponents(t, llm, out), set, nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Degraded())
	assert.Equal(t, 2, llm.Attempts(0))
}

func TestRunIdempotent(t *testing.T) {
	in := t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 23)
	outA, outB := t.TempDir(), t.TempDir()

	for _, out := range []string{outA, outB, outB} {
		_, err := Run(context.Background(), newComponents(t, newMock(t, `{"delay_ms": 1}`), out), settings(src), nil)
		require.NoError(t, err)
	}
	a, err := os.ReadFile(filepath.Join(outA, "reviews_processed.csv"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(outB, "reviews_processed.csv"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b), "两次运行输出应逐字节一致")
}

// 一个片段对应三条记录：补齐为三条。
type oneSegmentLLM struct{}

func (oneSegmentLLM) Invoke(context.Context, contract.Batch, contract.Prompt) (contract.Raw, error) {
	return contract.Raw{Text: `{"類別": "物流", "情感": "正面"}`}, nil
}

func TestRunMalformedDelimiter(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 3)
	set := settings(src)
	set.ChunkSize = 3

	rep, err := Run(context.Background(), newComponents(t, oneSegmentLLM{}, out), set, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Files[0].Unparsed)
	assert.Zero(t, rep.Degraded())

	_, rows := readOutput(t, filepath.Join(out, "reviews_processed.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"物流", "正面"}, rows[0][2:])
	assert.Equal(t, []string{"", ""}, rows[1][2:])
	assert.Equal(t, []string{"", ""}, rows[2][2:])
}

// 输入不可读：在任何后端调用前中止，且不产生输出。
func TestRunUnreadableInputAbortsBeforeBackend(t *testing.T) {
	in := t.TempDir()
	good := writeReviews(t, in, "reviews.csv", 5)
	broken := filepath.Join(in, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`[{"a": 1}, {`), 0o644))

	cases := map[string][]string{
		"missing":   {good, filepath.Join(in, "missing.csv")},
		"malformed": {good, broken},
	}
	for name, inputs := range cases {
		t.Run(name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "out")
			llm := newMock(t, `{}`)
			rep, err := Run(context.Background(), newComponents(t, llm, out), settings(inputs...), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, contract.ErrInputUnreadable)
			var se *contract.StageError
			require.ErrorAs(t, err, &se)
			assert.Contains(t, []contract.Stage{contract.StageRead, contract.StageSplit}, se.Stage)
			assert.Zero(t, llm.Calls())
			assert.Empty(t, rep.Files)
			_, statErr := os.Stat(out)
			assert.True(t, errors.Is(statErr, os.ErrNotExist), "输出目录不应被创建")
		})
	}
}

func TestRunAuthFatalBeforeAnySuccess(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 30)
	llm := newFlaky(t, `{"fail_times": -1, "failure": "auth"}`)

	set := settings(src)
	set.Concurrency = 1
	rep, err := Run(context.Background(), newComponents(t, llm, out), set, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrBackendFatal)
	var se *contract.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, contract.StageDispatch, se.Stage)
	assert.Equal(t, 1, llm.Attempts(0), "鉴权失败不重试")
	assert.Zero(t, llm.Attempts(2))
	require.Len(t, rep.Files, 1)
	assert.Equal(t, StateFailed, rep.Files[0].State)

	ents, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestRunAuthAfterSuccessDegrades(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 30)
	llm := newFlaky(t, `{"fail_batches": [2], "fail_times": -1, "failure": "auth"}`)

	set := settings(src)
	set.Concurrency = 1
	rep, err := Run(context.Background(), newComponents(t, llm, out), set, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Degraded())
}

func TestRunCancel(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 30)
	llm := newFlaky(t, `{"fail_times": -1, "failure": "hang"}`)

	set := settings(src)
	set.CallTimeout = 0
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	rep, err := Run(ctx, newComponents(t, llm, out), set, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, rep.Files[0].State)
	ents, _ := os.ReadDir(out)
	assert.Empty(t, ents)
}

func TestRunHeaderOnlyInput(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "empty.csv", 0)
	llm := newMock(t, `{}`)

	rep, err := Run(context.Background(), newComponents(t, llm, out), settings(src), nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Files[0].Batches)
	assert.Zero(t, llm.Calls())
	header, rows := readOutput(t, filepath.Join(out, "empty_processed.csv"))
	assert.Equal(t, []string{"id", "留言內容", "類別", "情感"}, header)
	assert.Empty(t, rows)
}

func TestRunMultipleFiles(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	a := writeReviews(t, in, "a.csv", 12)
	b := writeReviews(t, in, "b.csv", 4)

	rep, err := Run(context.Background(), newComponents(t, newMock(t, `{"response_mode": "markdown_table"}`), out), settings(a, b), nil)
	require.NoError(t, err)
	require.Len(t, rep.Files, 2)
	assert.Equal(t, "2 files, 16 records, 0 batches degraded", rep.Summary())
	for _, name := range []string{"a_processed.csv", "b_processed.csv"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}
	_, rows := readOutput(t, filepath.Join(out, "a_processed.csv"))
	assert.Equal(t, mockValues("類別", 0, 12), column(rows, 2))
}

// 不同目录下的同名输入在扁平输出中冲突：调用前失败，不覆盖任何文件。
func TestRunArtifactCollision(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	for _, sub := range []string{"a", "b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(in, sub), 0o755))
	}
	writeReviews(t, filepath.Join(in, "a"), "reviews.csv", 30)
	writeReviews(t, filepath.Join(in, "b"), "reviews.csv", 5)
	llm := newMock(t, `{}`)

	rep, err := Run(context.Background(), newComponents(t, llm, out), settings(in), nil)
	assert.ErrorIs(t, err, contract.ErrOutputUnwritable)
	var se *contract.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, contract.StageWrite, se.Stage)
	assert.Zero(t, llm.Calls())
	assert.Empty(t, rep.Files)
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// 保留目录层级时两者各自落盘（相对输入）
	t.Chdir(in)
	comp := newComponents(t, llm, out)
	flat := false
	w, err := wfs.New(&wfs.Options{OutputDir: out, Flat: &flat})
	require.NoError(t, err)
	comp.Writer = w
	rep, err = Run(context.Background(), comp, settings("."), nil)
	require.NoError(t, err)
	assert.Equal(t, "2 files, 35 records, 0 batches degraded", rep.Summary())
	for _, f := range rep.Files {
		p, err := w.Path(f.Artifact)
		require.NoError(t, err)
		_, rows := readOutput(t, p)
		assert.Len(t, rows, f.Records)
	}
}

func TestRunWithGate(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 20)
	set := settings(src)
	set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {RPM: 600, TPM: 1_000_000}}, nil)
	set.GateKey = "k"
	rep, err := Run(context.Background(), newComponents(t, newMock(t, `{}`), out), set, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Files[0].Batches)
}

type stubPB struct{ overhead int }

func (s stubPB) Build(context.Context, contract.Batch) (contract.Prompt, error) {
	return contract.TextPrompt("0123456789abcdef"), nil
}
func (s stubPB) EstimateOverheadTokens(contract.TokenEstimator) int { return s.overhead }

func TestRunBudgetExceeded(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 5)
	llm := newMock(t, `{}`)

	comp := newComponents(t, llm, out)
	comp.PromptBuilder = stubPB{overhead: 10}
	set := settings(src)
	set.MaxTokens = 5
	_, err := Run(context.Background(), comp, set, nil)
	assert.ErrorIs(t, err, contract.ErrBudgetExceeded)

	// 固定开销未超，但单批 Prompt 超预算：同样在调用前失败
	comp.PromptBuilder = stubPB{overhead: 0}
	set.MaxTokens = 3
	_, err = Run(context.Background(), comp, set, nil)
	assert.ErrorIs(t, err, contract.ErrBudgetExceeded)
	assert.Zero(t, llm.Calls())
}

// Gate 拒绝整批时不降级：运行以预算错误失败，后端未被调用，且不写出工件。
func TestRunGateBudgetIsFatal(t *testing.T) {
	in, out := t.TempDir(), t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 30)
	llm := newMock(t, `{}`)
	set := settings(src)
	set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {RPM: 600, TPM: 1_000_000, MaxTokensPerReq: 10}}, nil)
	set.GateKey = "k"

	rep, err := Run(context.Background(), newComponents(t, llm, out), set, nil)
	assert.ErrorIs(t, err, contract.ErrBudgetExceeded)
	var se *contract.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, contract.StagePrompt, se.Stage)
	assert.Zero(t, llm.Calls())
	require.Len(t, rep.Files, 1)
	assert.Equal(t, StateFailed, rep.Files[0].State)
	assert.Zero(t, rep.Files[0].Degraded)
	_, serr := os.Stat(filepath.Join(out, "reviews_processed.csv"))
	assert.True(t, os.IsNotExist(serr))
}

// failingWriter 总是写失败。
type failingWriter struct{}

func (failingWriter) Write(_ context.Context, id contract.ArtifactID, r io.Reader) error {
	_, _ = io.Copy(io.Discard, r)
	return fmt.Errorf("%s: %w", id, contract.ErrOutputUnwritable)
}

func TestRunOutputUnwritable(t *testing.T) {
	in := t.TempDir()
	src := writeReviews(t, in, "reviews.csv", 5)
	comp := newComponents(t, newMock(t, `{}`), t.TempDir())
	comp.Writer = failingWriter{}
	rep, err := Run(context.Background(), comp, settings(src), nil)
	assert.ErrorIs(t, err, contract.ErrOutputUnwritable)
	var se *contract.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, contract.StageWrite, se.Stage)
	assert.Equal(t, StateFailed, rep.Files[0].State)
}

func TestRunSanity(t *testing.T) {
	_, err := Run(context.Background(), Components{}, Settings{}, nil)
	assert.Error(t, err)

	comp := newComponents(t, newMock(t, `{}`), t.TempDir())
	set := settings("x.csv")
	set.ChunkSize = 0
	_, err = Run(context.Background(), comp, set, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestAggregateRejectsBrokenIndices(t *testing.T) {
	recs := []contract.Record{{Index: 0, Fields: contract.Fields{"id": "0"}}, {Index: 1, Fields: contract.Fields{"id": "1"}}}
	ds := contract.Dataset{Header: []string{"id"}, Records: recs}
	batches := []contract.Batch{{BatchIndex: 0, Records: recs[:1]}, {BatchIndex: 1, StartIndex: 1, Records: recs[1:]}}
	row := func() contract.ParseResult { return contract.ParseResult{Rows: []contract.Fields{testSchema.Empty()}} }

	_, _, err := aggregate(ds, batches, []outcome{{index: 0, result: row()}, {index: 0, result: row()}}, testSchema)
	assert.ErrorIs(t, err, contract.ErrInvariantViolation)
	_, _, err = aggregate(ds, batches, []outcome{{index: 1, result: row()}}, testSchema)
	assert.ErrorIs(t, err, contract.ErrInvariantViolation)
	_, _, err = aggregate(ds, batches, []outcome{{index: 0, result: row()}, {index: 1}}, testSchema)
	assert.ErrorIs(t, err, contract.ErrInvariantViolation)

	header, rows, err := aggregate(ds, batches, []outcome{{index: 1, result: row()}, {index: 0, result: row()}}, testSchema)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "類別", "情感"}, header)
	assert.Equal(t, "1", rows[1]["id"])
}

func TestUnionHeader(t *testing.T) {
	assert.Equal(t, []string{"id", "類別", "text", "情感"}, unionHeader([]string{"id", "類別", "text"}, []string{"類別", "情感"}))
	assert.Equal(t, []string{"a"}, unionHeader(nil, []string{"a"}))
}

func TestArtifactFor(t *testing.T) {
	assert.Equal(t, contract.ArtifactID("data/reviews_processed.csv"), ArtifactFor("data/reviews.csv", "_processed", ".csv"))
	assert.Equal(t, contract.ArtifactID("q_out.jsonl"), ArtifactFor("q.json", "_out", ".jsonl"))
	assert.Equal(t, contract.ArtifactID("stdin_processed.csv"), ArtifactFor("stdin", "_processed", ".csv"))
}

func TestStateTransitions(t *testing.T) {
	tr := newTracker("f", diag.Nop())
	assert.ErrorIs(t, tr.to(StateDispatched), contract.ErrInvariantViolation)
	for _, s := range []State{StateChunked, StateDispatched, StateAggregated, StateWritten} {
		require.NoError(t, tr.to(s))
	}
	tr.fail()
	assert.Equal(t, StateWritten, tr.state, "终态不可离开")

	tr = newTracker("g", diag.Nop())
	require.NoError(t, tr.to(StateChunked))
	tr.fail()
	assert.Equal(t, StateFailed, tr.state)
	assert.Equal(t, "FAILED", tr.state.String())
	assert.Equal(t, "SENT", BatchSent.String())
}
