package diag

import (
	"context"
	"errors"
	"net"
	"os"

	"llmbatch/pkg/contract"
)

// Code: 日志与指标使用的错误分类，与退出码无关。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeInput     Code = "input"
	CodeAuth      Code = "auth"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeOutput    Code = "output"
	CodeIO        Code = "io"
)

// 按顺序匹配，先命中者生效。
var sentinelCodes = []struct {
	err  error
	code Code
}{
	{context.Canceled, CodeCancel},
	{context.DeadlineExceeded, CodeCancel},
	{contract.ErrBackendFatal, CodeAuth},
	{contract.ErrInputUnreadable, CodeInput},
	{contract.ErrOutputUnwritable, CodeOutput},
	{contract.ErrBudgetExceeded, CodeBudget},
	{contract.ErrRateLimited, CodeBudget},
	{contract.ErrResponseInvalid, CodeProtocol},
	{contract.ErrInvariantViolation, CodeInvariant},
	{contract.ErrInvalidInput, CodeInvariant},
	{contract.ErrPathInvalid, CodeInvariant},
	{contract.ErrBackendTransient, CodeNetwork},
}

// Classify 依据哨兵错误与标准库错误类型归类，不匹配错误文本。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}
