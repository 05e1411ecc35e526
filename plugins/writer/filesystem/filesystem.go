package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"llmbatch/pkg/contract"
)

const tmpPattern = ".llmbatch-tmp-*"

// Options 对应配置中的 options.writer。
type Options struct {
	OutputDir string `json:"output_dir"`
	// Atomic: 默认 true，先写同目录临时文件再替换目标。
	// 关闭后直接截断写入目标，失败时可能留下半截文件。
	Atomic *bool `json:"atomic,omitempty"`
	// Flat: 默认 true，只保留工件名，不复制输入的目录层级。
	Flat     *bool       `json:"flat,omitempty"`
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	BufSize  int         `json:"buf_size,omitempty"`
}

// Writer 把工件写入 OutputDir。
type Writer struct {
	root     string
	atomic   bool
	flat     bool
	permFile os.FileMode
	permDir  os.FileMode
	bufSize  int
}

func New(opts *Options) (*Writer, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("fs writer: output_dir required: %w", contract.ErrInvalidInput)
	}
	w := &Writer{
		root:     opts.OutputDir,
		atomic:   boolOr(opts.Atomic, true),
		flat:     boolOr(opts.Flat, true),
		permFile: modeOr(opts.PermFile, 0o644),
		permDir:  modeOr(opts.PermDir, 0o755),
		bufSize:  opts.BufSize,
	}
	if w.bufSize <= 0 {
		w.bufSize = 64 << 10
	}
	return w, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func modeOr(m, def os.FileMode) os.FileMode {
	if m == 0 {
		return def
	}
	return m
}

var _ contract.Writer = (*Writer)(nil)

// Path 返回 id 对应的目标文件路径。
func (w *Writer) Path(id contract.ArtifactID) (string, error) { return w.mapPath(id) }

// Write 写入 r 的全部内容。失败时返回 ErrOutputUnwritable（越界路径另含 ErrPathInvalid），
// 取消则原样返回 ctx 错误；原子模式下目标文件要么是新内容，要么保持原样。
func (w *Writer) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, err := w.mapPath(id)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", id, contract.ErrOutputUnwritable, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), w.permDir); err != nil {
		return unwritable(dest, err)
	}
	f, commit, abort, err := w.open(dest)
	if err != nil {
		return unwritable(dest, err)
	}
	bw := bufio.NewWriterSize(f, w.bufSize)
	if _, err = io.Copy(bw, ctxReader{ctx: ctx, r: r}); err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = commit()
	} else {
		abort()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return unwritable(dest, err)
	}
}

// open 返回写入句柄以及提交/放弃函数。
func (w *Writer) open(dest string) (f *os.File, commit func() error, abort func(), err error) {
	if !w.atomic {
		f, err = os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permFile)
		if err != nil {
			return nil, nil, nil, err
		}
		return f, f.Close, func() { _ = f.Close() }, nil
	}
	dir := filepath.Dir(dest)
	f, err = os.CreateTemp(dir, tmpPattern)
	if err != nil {
		return nil, nil, nil, err
	}
	tmp := f.Name()
	_ = f.Chmod(w.permFile)
	abort = func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}
	commit = func() error {
		if err := f.Sync(); err != nil {
			abort()
			return err
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		if err := replaceFile(tmp, dest); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		_ = syncDir(dir)
		return nil
	}
	return f, commit, abort, nil
}

// Preflight 在调度前确认输出目录可写：从 OutputDir 向上找到第一个已存在的目录，
// 在其中创建并删除一个探测文件。
func (w *Writer) Preflight(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := w.root
	for {
		st, err := os.Stat(dir)
		if err == nil {
			if !st.IsDir() {
				return unwritable(dir, errors.New("not a directory"))
			}
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return unwritable(dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return unwritable(w.root, err)
		}
		dir = parent
	}
	f, err := os.CreateTemp(dir, ".llmbatch-probe-*")
	if err != nil {
		return unwritable(dir, err)
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return nil
}

func unwritable(p string, err error) error {
	if errors.Is(err, contract.ErrOutputUnwritable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", p, contract.ErrOutputUnwritable, err)
}

// mapPath 将工件名映射到 root 之下；非扁平模式拒绝绝对路径、卷名与 .. 逃逸。
func (w *Writer) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(string(id)))
	if w.flat {
		rel = filepath.Base(rel)
	}
	switch {
	case rel == "." || rel == ".." || rel == "" || rel == string(filepath.Separator):
		return "", contract.ErrPathInvalid
	case filepath.IsAbs(rel), filepath.VolumeName(rel) != "":
		return "", contract.ErrPathInvalid
	case strings.HasPrefix(rel, ".."+string(filepath.Separator)):
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

// ctxReader 每次 Read 前检查取消。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
