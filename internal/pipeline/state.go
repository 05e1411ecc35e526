package pipeline

import (
	"fmt"

	"llmbatch/internal/diag"
	"llmbatch/pkg/contract"
)

// State: 单个输入文件的运行状态。
//
//	PENDING → CHUNKED → DISPATCHED → AGGREGATED → WRITTEN
//	任一非终态 → FAILED
type State int

const (
	StatePending State = iota
	StateChunked
	StateDispatched
	StateAggregated
	StateWritten
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateChunked:
		return "CHUNKED"
	case StateDispatched:
		return "DISPATCHED"
	case StateAggregated:
		return "AGGREGATED"
	case StateWritten:
		return "WRITTEN"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal 报告是否为终态。
func (s State) Terminal() bool { return s == StateWritten || s == StateFailed }

// BatchState: 单批状态（DISPATCHED 期间）。
type BatchState int

const (
	BatchPending BatchState = iota
	BatchSent
	BatchParsed
)

func (s BatchState) String() string {
	switch s {
	case BatchPending:
		return "PENDING"
	case BatchSent:
		return "SENT"
	case BatchParsed:
		return "PARSED"
	default:
		return fmt.Sprintf("BatchState(%d)", int(s))
	}
}

// tracker 记录文件状态迁移；非法迁移返回 ErrInvariantViolation。
type tracker struct {
	fileID contract.FileID
	state  State
	log    *diag.Logger
}

func newTracker(fileID contract.FileID, log *diag.Logger) *tracker {
	return &tracker{fileID: fileID, state: StatePending, log: log}
}

func (t *tracker) to(next State) error {
	if !allowed(t.state, next) {
		return fmt.Errorf("state %s → %s: %w", t.state, next, contract.ErrInvariantViolation)
	}
	t.log.DebugStart("pipeline", "state", string(t.fileID), "", map[string]string{
		"from": t.state.String(),
		"to":   next.String(),
	})
	t.state = next
	return nil
}

// fail 进入 FAILED；已处于终态时保持不变。
func (t *tracker) fail() {
	if t.state.Terminal() {
		return
	}
	_ = t.to(StateFailed)
}

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to == from+1
}
