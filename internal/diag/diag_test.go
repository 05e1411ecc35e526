package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"llmbatch/pkg/contract"
)

func writeLine(t *testing.T, w *RotatingFile, s string) {
	t.Helper()
	_, err := w.Write([]byte(s + "\n"))
	require.NoError(t, err)
}

func logNames(t *testing.T, dir string) (current bool, rotated []string) {
	t.Helper()
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range ents {
		switch {
		case e.Name() == currentName:
			current = true
		case strings.HasPrefix(e.Name(), rotatedPrefix) && strings.HasSuffix(e.Name(), ".log"):
			rotated = append(rotated, e.Name())
		}
	}
	return current, rotated
}

func TestRotatingFileRotates(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30, 0)
	writeLine(t, w, "first line that is very long")
	writeLine(t, w, "second")
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())
	current, rotated := logNames(t, dir)
	assert.True(t, current)
	assert.Len(t, rotated, 1)
	b, err := os.ReadFile(filepath.Join(dir, currentName))
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(b))
}

func TestRotatingFileKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10, 2)
	for i := 0; i < 6; i++ {
		writeLine(t, w, "xxxxxxxxxxxxxxxxxx")
	}
	require.NoError(t, w.Close())
	current, rotated := logNames(t, dir)
	assert.True(t, current)
	assert.Len(t, rotated, 2)
}

func TestRotatingFileDefaults(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 0, 0)
	assert.Equal(t, int64(defaultMaxBytes), w.maxBytes)
	writeLine(t, w, "a")
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.NoError(t, w.Sync())
}

func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(opTotal.WithLabelValues("metrics-test", "finish", "success"))
	IncOp("metrics-test", "finish", "success")
	assert.Equal(t, before+1, testutil.ToFloat64(opTotal.WithLabelValues("metrics-test", "finish", "success")))

	IncError("metrics-test", "")
	assert.Equal(t, 1.0, testutil.ToFloat64(errorTotal.WithLabelValues("metrics-test", string(CodeUnknown))))

	d0 := testutil.ToFloat64(degradedTotal)
	AddDegraded(2)
	AddDegraded(0)
	assert.Equal(t, d0+2, testutil.ToFloat64(degradedTotal))

	ObserveDuration("metrics-test", "finish", 12)
	IncCall("ok")

	path := filepath.Join(t.TempDir(), "llmbatch.prom")
	require.NoError(t, WriteMetricsFile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "llmbatch_degraded_batches_total")
	assert.Contains(t, string(b), `llmbatch_op_total{comp="metrics-test"`)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{contract.ErrResponseInvalid, CodeProtocol},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{contract.ErrBackendTransient, CodeNetwork},
		{contract.ErrBudgetExceeded, CodeBudget},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrBackendFatal, CodeAuth},
		{fmt.Errorf("%w: %w", contract.ErrInputUnreadable, &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}), CodeInput},
		{fmt.Errorf("out: %w", contract.ErrOutputUnwritable), CodeOutput},
		{contract.ErrInvariantViolation, CodeInvariant},
		{errors.New("other"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "%v", c.err)
	}
}

func TestLoggerEvents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	timer := l.StartWith("dispatch", "batch", "in.csv", "3")
	timer.Finish("ok", 10)
	l.ErrorWithKV("llm", "network", "boom", timer.Since(), "in.csv", "3", map[string]string{"http_status": "503"})
	l.Warn("dispatch", "network", "degraded", "in.csv", "3", nil)
	l.DebugStart("prompt", "built", "in.csv", "3", nil)

	require.Equal(t, 5, logs.Len())
	all := logs.All()
	assert.Equal(t, "start", all[0].ContextMap()["stage"])
	assert.Equal(t, "in.csv", all[0].ContextMap()["file_id"])
	assert.Equal(t, "finish", all[1].ContextMap()["stage"])
	assert.Equal(t, int64(10), all[1].ContextMap()["count"])
	assert.Equal(t, zapcore.ErrorLevel, all[2].Level)
	assert.Equal(t, "network", all[2].ContextMap()["code"])
	assert.Equal(t, zapcore.WarnLevel, all[3].Level)
	assert.Equal(t, zapcore.DebugLevel, all[4].Level)
}

func TestLoggerJSONShape(t *testing.T) {
	var buf bytes.Buffer
	l := New(LogOptions{CorrID: "corr-1", Level: "info", Sink: zapcore.AddSync(&buf)})
	l.DebugStart("comp", "hidden", "", "", nil) // info 级别被过滤
	l.Start("run", "hello").Finish("bye", 0)
	require.NoError(t, l.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "info", ev["level"])
	assert.Equal(t, "corr-1", ev["corr_id"])
	assert.Equal(t, "run", ev["comp"])
	assert.Equal(t, "hello", ev["msg"])
	_, err := time.Parse(time.RFC3339, ev["ts"].(string))
	assert.NoError(t, err)
	assert.NotContains(t, ev, "file_id")
}

func TestLoggerRotatingSink(t *testing.T) {
	dir := t.TempDir()
	l := New(LogOptions{CorrID: "c", Level: "warn", Dir: dir})
	l.Start("comp", "filtered")
	l.Error("comp", "io", "msg", nil)
	require.NoError(t, l.Sync())
	b, err := os.ReadFile(filepath.Join(dir, currentName))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"stage":"error"`)
	assert.NotContains(t, string(b), "filtered")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel(" DEBUG "))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("fatal"))
}

func TestTimerNil(t *testing.T) {
	var tn *Timer
	tn.Finish("x", 0)
	assert.Nil(t, tn.Since())
	(&Timer{}).Finish("x", 0)
	Nop().Start("a", "b").Finish("c", 1)
}

func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	require.False(t, term.isTTY)
	term.RunStart(4, "openai")
	term.FileStart("data/reviews.csv", 120, 12)
	term.FileProgress(6, 12, 0) // 非 TTY：不输出进度
	term.FileFinish(true, 1, 5100*time.Millisecond)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	assert.NotContains(t, out, "\r")
	assert.Contains(t, out, "[run] 并发=4 | llm=openai")
	assert.Contains(t, out, "[file] reviews.csv | 记录=120 | 计划批次=12")
	assert.Contains(t, out, "[done] reviews.csv | 记录 120 | 批次 12 | 降级 1 | 用时 5.1s")
	assert.Contains(t, out, "[ok] 全部完成 | 文件 1 | 总用时 41.3s")
}

func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock")
	term.FileStart("/a/b/c/longfilename.csv", 30, 3)

	term.FileProgress(1, 3, 0)
	first := sb.String()
	assert.Contains(t, first, "\r[")
	// 立即第二次：被节流
	term.FileProgress(2, 3, 1)
	assert.Equal(t, first, sb.String())
	time.Sleep(120 * time.Millisecond)
	term.FileProgress(2, 3, 1)
	third := sb.String()
	assert.Greater(t, len(third), len(first))

	term.FileFinish(false, 1, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	require.Positive(t, idx)
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	require.GreaterOrEqual(t, cr, 0)
	assert.Contains(t, seg[cr+1:], " ", "清尾应以空格覆盖")
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = false
	term.RunStart(1, "x")
	assert.False(t, term.enabled)
	term.FileStart("a", 0, 0)
	term.FileProgress(0, 0, 0)
	term.FileFinish(true, 0, 0)
	term.RunFinish(true, 0)

	term = NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = true
	term.FileStart("f.csv", 1, 2)
	term.FileProgress(1, 2, 0)
	assert.False(t, term.enabled)
}

func TestTerminalMisc(t *testing.T) {
	t.Setenv("CI", "true")
	assert.False(t, NewTerminal(os.Stderr, true).isTTY)

	var tn *Terminal
	tn.RunStart(1, "x")
	tn.FileStart("a", 1, 1)
	tn.FileProgress(0, 0, 0)
	tn.FileFinish(true, 0, 0)
	tn.RunFinish(true, 0)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "評論資料…", shortenBase("/x/y/評論資料很長很長很長的檔名.csv", 10))
	assert.Equal(t, "short.csv", shortenBase("/x/short.csv", 10))
	assert.Equal(t, "", shortenBase("x", 0))
	assert.Equal(t, 7, displayWidth("ab評論c"))
	assert.Equal(t, "a b c", oneLine("a\nb\rc"))
	assert.Equal(t, "0ms", formatDur(0))
	assert.Equal(t, "1.5s", formatDur(1500*time.Millisecond))
}
