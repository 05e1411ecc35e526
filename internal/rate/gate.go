package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"llmbatch/pkg/contract"
)

// LimitKey: 限流分组键（client + api key 摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限（含输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 默认为 1；必须 >=1
	Tokens   int // 预计 token （>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个维度一个令牌桶，容量为每分钟额度，按额度/60 每秒回填。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	lim Limits
	req *xrate.Limiter // nil 表示该维度关闭
	tok *xrate.Limiter
}

func newEntry(lim Limits) *entry {
	return &entry{lim: lim, req: perMinute(lim.RPM), tok: perMinute(lim.TPM)}
}

func perMinute(n int) *xrate.Limiter {
	if n <= 0 {
		return nil
	}
	return xrate.NewLimiter(xrate.Limit(float64(n)/60.0), n)
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (e *entry) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return contract.ErrInvalidInput
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: %d tokens over per-request limit %d: %w", a.Tokens, e.lim.MaxTokensPerReq, contract.ErrBudgetExceeded)
	}
	return nil
}

// reservation 同时预留两个维度；任一维度无法满足时整体撤销。
type reservation struct {
	rs    []*xrate.Reservation
	delay time.Duration
}

func (e *entry) reserve(now time.Time, a Ask) (*reservation, bool) {
	out := &reservation{}
	take := func(l *xrate.Limiter, n int) bool {
		if l == nil || n <= 0 {
			return true
		}
		r := l.ReserveN(now, n)
		if !r.OK() {
			return false
		}
		out.rs = append(out.rs, r)
		if d := r.DelayFrom(now); d > out.delay {
			out.delay = d
		}
		return true
	}
	if !take(e.req, a.Requests) || !take(e.tok, a.Tokens) {
		out.cancel(now)
		return nil, false
	}
	return out, true
}

func (r *reservation) cancel(now time.Time) {
	for _, x := range r.rs {
		x.CancelAt(now)
	}
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if e.check(a) != nil {
		return false
	}
	now := g.clk()
	r, ok := e.reserve(now, a)
	if !ok {
		return false
	}
	if r.delay > 0 {
		r.cancel(now)
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if err := e.check(a); err != nil {
		return err
	}
	// 快速取消
	if err := ctx.Err(); err != nil {
		return err
	}
	now := g.clk()
	r, ok := e.reserve(now, a)
	if !ok {
		// 单次申请超过桶容量，永远无法满足
		return fmt.Errorf("rate: ask exceeds per-minute capacity of %s: %w", a.Key, contract.ErrBudgetExceeded)
	}
	if r.delay <= 0 {
		return nil
	}
	t := time.NewTimer(r.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.cancel(g.clk())
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 返回当前可用请求/令牌的“向下取整”估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	avail := func(l *xrate.Limiter) int {
		if l == nil {
			return 0
		}
		v := l.TokensAt(now)
		if v < 0 {
			return 0
		}
		return int(v)
	}
	return avail(e.req), avail(e.tok)
}

// 接口断言（可选）。
var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
