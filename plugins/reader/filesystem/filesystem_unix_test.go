//go:build !windows

package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"llmbatch/pkg/contract"
)

// TestWalkDirNonRegular 非常规文件被忽略
func TestWalkDirNonRegular(t *testing.T) {
	root := t.TempDir()
	if err := syscall.Mkfifo(filepath.Join(root, "pipe.csv"), 0o644); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	os.WriteFile(filepath.Join(root, "ok.csv"), []byte("a"), 0o644)
	ids, err := collect(t, New(nil), []string{root})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(ids) != 1 || filepath.Base(ids[0]) != "ok.csv" {
		t.Fatalf("non-regular should skip, visited %#v", ids)
	}
}

// TestIterateSymlink 指向常规文件的符号链接会被读取
func TestIterateSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "t.csv")
	os.WriteFile(target, []byte("ok"), 0o644)
	link := filepath.Join(dir, "l.csv")
	os.Symlink(target, link)
	ids, err := collect(t, New(nil), []string{link})
	if err != nil || len(ids) != 1 || !strings.Contains(ids[0], "l.csv") {
		t.Fatalf("symlink not visited: %#v %v", ids, err)
	}
}

// TestWalkDirSymlinkDir 遍历目录时忽略指向目录的符号链接
func TestWalkDirSymlinkDir(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	os.Mkdir(sub, 0o755)
	os.WriteFile(filepath.Join(sub, "ok.csv"), []byte("o"), 0o644)
	os.Symlink(sub, filepath.Join(root, "sub_link"))
	ids, err := collect(t, New(nil), []string{root})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(ids) != 1 || filepath.Base(ids[0]) != "ok.csv" {
		t.Fatalf("unexpected files %#v", ids)
	}
}

// TestIterateSymlinkDangling 符号链接失效视为输入不可读
func TestIterateSymlinkDangling(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	os.Symlink(filepath.Join(dir, "no"), link)
	_, err := collect(t, New(nil), []string{link})
	if !errors.Is(err, contract.ErrInputUnreadable) {
		t.Fatalf("expect ErrInputUnreadable for dangling symlink, got %v", err)
	}
}

// TestUnreadablePermission 无读权限的文件在回调前失败
func TestUnreadablePermission(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	fp := filepath.Join(t.TempDir(), "secret.csv")
	os.WriteFile(fp, []byte("a"), 0o000)
	_, err := collect(t, New(nil), []string{fp})
	if !errors.Is(err, contract.ErrInputUnreadable) {
		t.Fatalf("want ErrInputUnreadable, got %v", err)
	}
}
