package contract

import "fmt"

// UpstreamError: 上游 HTTP 错误的诊断信息（状态码与简短消息），dispatcher 据此记录日志字段。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// StatusError: 后端返回非 2xx 时的错误。Unwrap 得到对应哨兵错误，
// Kind 为空时按 ClassifyStatus 推导。
type StatusError struct {
	Backend string
	Status  int
	Message string
	Kind    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Backend, e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Kind != nil {
		return e.Kind
	}
	if k := ClassifyStatus(e.Status); k != nil {
		return k
	}
	return ErrResponseInvalid
}

func (e *StatusError) UpstreamStatus() int     { return e.Status }
func (e *StatusError) UpstreamMessage() string { return e.Message }

// ClassifyStatus 将 HTTP 状态码映射为哨兵错误；2xx 返回 nil。
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return ErrBackendFatal
	case status == 429:
		return ErrRateLimited
	case status == 408 || status >= 500:
		return ErrBackendTransient
	default:
		return ErrInvalidInput
	}
}
