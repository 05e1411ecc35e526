//go:build !windows

package filesystem

import "os"

func replaceFile(tmp, dest string) error { return os.Rename(tmp, dest) }

// syncDir 刷新目录项，使 rename 在崩溃后仍可见。
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
