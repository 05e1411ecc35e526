package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	currentName     = "llmbatch-current.log"
	rotatedPrefix   = "llmbatch-"
	defaultMaxBytes = 10 << 20
)

// RotatingFile: 按大小轮转的日志文件，实现 zapcore.WriteSyncer。
// 当前文件为 llmbatch-current.log；写入会超过上限时改名为 llmbatch-<UTC 时间>.log，
// keep > 0 时仅保留最近 keep 个轮转文件。
type RotatingFile struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	keep     int
	f        *os.File
	size     int64
}

func NewRotatingFile(dir string, maxBytes int64, keep int) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes, keep: keep}
}

// Write 写入一条完整日志行；空文件不轮转，因此超长单行也会完整落盘。
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingFile) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingFile) open() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, currentName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f, w.size = f, 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	// 纳秒精度，同秒多次轮转不互相覆盖
	name := rotatedPrefix + time.Now().UTC().Format("20060102-150405.000000000") + ".log"
	if err := os.Rename(filepath.Join(w.dir, currentName), filepath.Join(w.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log: %w", err)
	}
	w.prune()
	return w.open()
}

// prune 删除超出 keep 的旧轮转文件；文件名按时间戳排序即为时间顺序。
func (w *RotatingFile) prune() {
	if w.keep <= 0 {
		return
	}
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var rotated []string
	for _, e := range ents {
		n := e.Name()
		if n != currentName && strings.HasPrefix(n, rotatedPrefix) && strings.HasSuffix(n, ".log") {
			rotated = append(rotated, n)
		}
	}
	if len(rotated) <= w.keep {
		return
	}
	sort.Strings(rotated)
	for _, n := range rotated[:len(rotated)-w.keep] {
		_ = os.Remove(filepath.Join(w.dir, n))
	}
}

var _ zapcore.WriteSyncer = (*RotatingFile)(nil)
