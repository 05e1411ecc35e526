package filesystem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"llmbatch/pkg/contract"
)

const defaultBufSize = 64 << 10

// Options 对应配置中的 options.reader。
type Options struct {
	BufSize int `json:"buf_size"`
	// ExcludeDirNames: 扫描目录时跳过的目录基名（大小写不敏感）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// AllowExts: 扫描目录时接受的扩展名。nil 为 .csv/.json/.jsonl，空切片为不限。
	// 显式列出的文件不受限制。
	AllowExts []string `json:"allow_exts"`
	// SkipSuffixes: 扫描目录时跳过基名（去扩展名）以这些后缀结尾的文件，
	// 避免把上次的输出当作输入。nil 为 ["_processed"]。
	SkipSuffixes []string `json:"skip_suffixes"`
}

// Reader 从文件、目录、glob 模式或 STDIN 读取输入。
// 全部 root 先展开并逐个确认可打开，任一失败即返回 ErrInputUnreadable 且不回调。
type Reader struct {
	bufSize    int
	excludeDir map[string]bool
	allow      map[string]bool // nil 表示不限
	skip       []string
}

func New(opts *Options) *Reader {
	if opts == nil {
		opts = &Options{}
	}
	r := &Reader{bufSize: opts.BufSize, excludeDir: lowerSet(opts.ExcludeDirNames), skip: opts.SkipSuffixes}
	if r.bufSize <= 0 {
		r.bufSize = defaultBufSize
	}
	switch {
	case opts.AllowExts == nil:
		r.allow = map[string]bool{".csv": true, ".json": true, ".jsonl": true}
	case len(opts.AllowExts) > 0:
		r.allow = lowerSet(opts.AllowExts)
	}
	if r.skip == nil {
		r.skip = []string{"_processed"}
	}
	return r
}

func lowerSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		if x != "" {
			m[strings.ToLower(x)] = true
		}
	}
	return m
}

var _ contract.Reader = (*Reader)(nil)

// Iterate 按展开顺序对每个文件调用 yield。roots 为空或仅为 "-" 时读取 STDIN。
func (r *Reader) Iterate(ctx context.Context, roots []string, yield func(contract.FileID, io.ReadCloser) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(roots) == 0 || (len(roots) == 1 && roots[0] == "-") {
		return yield("stdin", r.buffered(os.Stdin))
	}
	for _, s := range roots {
		if s == "-" {
			return fmt.Errorf("stdin '-' cannot be mixed with other roots: %w", contract.ErrInvalidInput)
		}
	}
	files, err := r.Resolve(ctx, roots)
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return unreadable(p, err)
		}
		rc := r.buffered(f)
		if err := yield(contract.NormalizeFileID(p), rc); err != nil {
			_ = rc.Close()
			return err
		}
	}
	return nil
}

// Resolve 展开 roots 为有序、去重的文件列表，并确认每个文件可打开。
func (r *Reader) Resolve(ctx context.Context, roots []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if key := filepath.Clean(p); !seen[key] {
			seen[key] = true
			files = append(files, p)
		}
	}
	for _, root := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paths := []string{root}
		if hasMeta(root) {
			m, err := filepath.Glob(root)
			if err != nil {
				return nil, unreadable(root, err)
			}
			if len(m) == 0 {
				return nil, unreadable(root, fs.ErrNotExist)
			}
			paths = m
		}
		for _, p := range paths {
			got, err := r.expand(ctx, p)
			if err != nil {
				return nil, err
			}
			for _, g := range got {
				add(g)
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no input files under %s: %w", strings.Join(roots, ", "), contract.ErrInputUnreadable)
	}
	for _, p := range files {
		f, err := os.Open(p)
		if err != nil {
			return nil, unreadable(p, err)
		}
		_ = f.Close()
	}
	return files, nil
}

func hasMeta(p string) bool { return strings.ContainsAny(p, "*?[") }

// expand: 常规文件（或指向常规文件的链接）原样返回；目录递归扫描；其他类型忽略。
func (r *Reader) expand(ctx context.Context, root string) ([]string, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, unreadable(root, err)
	}
	if st.Mode().IsRegular() {
		return []string{root}, nil
	}
	if !st.IsDir() {
		return nil, nil
	}
	var out []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return unreadable(p, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") || r.excludeDir[strings.ToLower(name)] {
				return filepath.SkipDir
			}
			return nil
		}
		if !r.accept(name) {
			return nil
		}
		// WalkDir 不跟随目录链接；文件链接需确认目标为常规文件
		if d.Type()&fs.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return unreadable(p, err)
			}
			if !t.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (r *Reader) accept(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	if r.allow != nil && !r.allow[strings.ToLower(ext)] {
		return false
	}
	stem := strings.TrimSuffix(name, ext)
	for _, s := range r.skip {
		if s != "" && strings.HasSuffix(stem, s) {
			return false
		}
	}
	return true
}

func unreadable(p string, err error) error {
	if errors.Is(err, contract.ErrInputUnreadable) {
		return err
	}
	return fmt.Errorf("%s: %v: %w", p, err, contract.ErrInputUnreadable)
}

type bufferedFile struct {
	*bufio.Reader
	io.Closer
}

func (r *Reader) buffered(f io.ReadCloser) io.ReadCloser {
	return bufferedFile{Reader: bufio.NewReaderSize(f, r.bufSize), Closer: f}
}
