package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
	"golang.org/x/text/width"
)

const (
	progressEvery = 100 * time.Millisecond
	nameWidth     = 48
)

// Terminal 在终端上提示运行进度，与结构化日志无关。
// TTY 上进度行以 \r 原地刷新；非 TTY（含 CI）只在文件开始/结束时各打一行。
// 所有方法可在 nil 上调用；首次写失败后静默。
type Terminal struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	runStart    time.Time
	files       int

	name     string
	records  int
	batches  int
	done     int
	degraded int

	inline    int // 当前行已占用的显示宽度
	lastFlush time.Time
}

func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	return &Terminal{w: w, enabled: enabled, isTTY: isTTY(w)}
}

func isTTY(w io.Writer) bool {
	if os.Getenv("CI") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// with 在持锁且启用时执行 fn。
func (t *Terminal) with(fn func()) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		fn()
	}
}

func (t *Terminal) RunStart(concurrency int, llm string) {
	t.with(func() {
		t.concurrency, t.files, t.runStart = concurrency, 0, time.Now()
		t.line("[run] 并发=%d | llm=%s", concurrency, oneLine(llm))
	})
}

func (t *Terminal) FileStart(fileID string, records, batches int) {
	t.with(func() {
		t.name = shortenBase(fileID, nameWidth)
		t.records, t.batches, t.done, t.degraded = records, batches, 0, 0
		if !t.isTTY {
			t.line("[file] %s | 记录=%d | 计划批次=%d", t.name, records, batches)
		}
	})
}

// FileProgress 仅在 TTY 上输出，间隔不少于 100ms。
func (t *Terminal) FileProgress(done, total, degraded int) {
	t.with(func() {
		if !t.isTTY {
			return
		}
		t.done, t.batches, t.degraded = done, total, degraded
		now := time.Now()
		if now.Sub(t.lastFlush) < progressEvery {
			return
		}
		t.lastFlush = now
		t.rewrite(fmt.Sprintf("[file] %s | 进度 %d/%d | 降级 %d | 并发 %d | 用时 %s",
			t.name, t.done, t.batches, t.degraded, t.concurrency, formatDur(time.Since(t.runStart))))
	})
}

func (t *Terminal) FileFinish(ok bool, degraded int, dur time.Duration) {
	t.with(func() {
		t.files++
		if t.inline > 0 {
			t.rewrite("")
		}
		t.line("[%s] %s | 记录 %d | 批次 %d | 降级 %d | 用时 %s",
			status(ok, "done"), t.name, t.records, t.batches, degraded, formatDur(dur))
	})
}

func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	t.with(func() {
		t.line("[%s] 全部完成 | 文件 %d | 总用时 %s", status(ok, "ok"), t.files, formatDur(dur))
	})
}

func status(ok bool, good string) string {
	if ok {
		return good
	}
	return "fail"
}

func (t *Terminal) line(format string, args ...any) {
	t.write(fmt.Sprintf(format, args...) + "\n")
	t.inline = 0
}

// rewrite 回到行首重写；新内容较短时用空格盖住旧尾部。
func (t *Terminal) rewrite(s string) {
	w := displayWidth(s)
	pad := ""
	if t.inline > w {
		pad = strings.Repeat(" ", t.inline-w)
	}
	if t.write("\r" + s + pad) {
		t.inline = w
	}
}

func (t *Terminal) write(s string) bool {
	if _, err := io.WriteString(t.w, s); err != nil {
		t.enabled = false
		return false
	}
	return true
}

// displayWidth: 全角与宽字符按 2 列计。
func displayWidth(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}

// shortenBase 取基名，超过 max 列时截断并以 … 结尾。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if displayWidth(base) <= max {
		return base
	}
	var b strings.Builder
	used := 0
	for _, r := range base {
		rw := displayWidth(string(r))
		if used+rw > max-1 {
			break
		}
		b.WriteRune(r)
		used += rw
	}
	return b.String() + "…"
}

func oneLine(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", max(d.Milliseconds(), 0))
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
