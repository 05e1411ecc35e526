//go:build windows

package filesystem

import "golang.org/x/sys/windows"

// replaceFile: os.Rename 在目标已存在时可能失败，改用 MoveFileEx 覆盖。
func replaceFile(tmp, dest string) error {
	from, err := windows.UTF16PtrFromString(tmp)
	if err != nil {
		return err
	}
	to, err := windows.UTF16PtrFromString(dest)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(from, to, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}

func syncDir(string) error { return nil }
