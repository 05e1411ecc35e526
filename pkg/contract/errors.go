package contract

import (
	"errors"
	"fmt"
)

// 错误分类（哨兵）。上层以 errors.Is 判定策略。
var (
	// ErrInputUnreadable: 输入缺失/不可读/无法解析；在任何后端调用前中止。
	ErrInputUnreadable = errors.New("input unreadable")
	// ErrBackendTransient: 可重试的后端失败（超时、5xx、连接中断）。
	ErrBackendTransient = errors.New("backend transient failure")
	// ErrBackendFatal: 明确的鉴权类失败（401/403、密钥无效）。
	ErrBackendFatal = errors.New("backend fatal: authentication failed")
	// ErrOutputUnwritable: 输出目标不可写；已有文件保持不变。
	ErrOutputUnwritable = errors.New("output unwritable")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// Stage: 流水线阶段名（用于定位致命错误）。
type Stage string

const (
	StageRead      Stage = "read"
	StageSplit     Stage = "split"
	StageChunk     Stage = "chunk"
	StagePrompt    Stage = "prompt"
	StageDispatch  Stage = "dispatch"
	StageAggregate Stage = "aggregate"
	StageAssemble  Stage = "assemble"
	StageWrite     Stage = "write"
)

// StageError: 携带失败阶段与具体原因的致命错误。
type StageError struct {
	Stage  Stage
	FileID FileID
	Err    error
}

func (e *StageError) Error() string {
	if e.FileID != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.FileID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// AtStage 以阶段信息包装错误；nil 原样返回，已包装的不重复包装。
func AtStage(stage Stage, fileID FileID, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, FileID: fileID, Err: err}
}
