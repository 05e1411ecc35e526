package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"llmbatch/internal/diag"
	"llmbatch/internal/rate"
	"llmbatch/pkg/contract"
)

// job: 一个待发送的批及其预先构建的 Prompt。
type job struct {
	batch  contract.Batch
	prompt contract.Prompt
	tokens int
}

// outcome: 单批处理结果，由 worker 经通道交回，worker 之间不共享输出。
type outcome struct {
	index    int64
	result   contract.ParseResult
	degraded bool
	attempts int
	state    BatchState
}

// dispatcher 负责有界并发发送、单批重试与降级。
// succeeded 跨文件累计：只要任一批成功过，鉴权失败便不再中止整个运行。
type dispatcher struct {
	comp      Components
	set       Settings
	log       *diag.Logger
	succeeded atomic.Int64
}

func batchID(b contract.Batch) string { return strconv.FormatInt(b.BatchIndex, 10) }

// dispatch 并发处理同一文件的全部批，返回按到达顺序收集的结果。
// 致命错误（取消、运行早期的鉴权失败）取消其余批并原样返回。
func (d *dispatcher) dispatch(ctx context.Context, fileID contract.FileID, jobs []job) ([]outcome, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.set.Concurrency)
	out := make(chan outcome, len(jobs))

	var done, degraded atomic.Int64
	total := len(jobs)
	for _, j := range jobs {
		// 批与批之间响应取消
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o, err := d.one(gctx, j)
			if err != nil {
				return err
			}
			out <- o
			n := done.Add(1)
			if o.degraded {
				degraded.Add(1)
			}
			d.set.Progress.FileProgress(int(n), total, int(degraded.Load()))
			return nil
		})
	}
	err := g.Wait()
	close(out)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	outs := make([]outcome, 0, len(jobs))
	for o := range out {
		outs = append(outs, o)
	}
	return outs, nil
}

// one 发送单批（含重试），并将响应解析为逐记录结果。
func (d *dispatcher) one(ctx context.Context, j job) (outcome, error) {
	b := j.batch
	o := outcome{index: b.BatchIndex, state: BatchPending}
	if err := ctx.Err(); err != nil {
		return o, err
	}
	o.state = BatchSent
	raw, attempts, err := d.invoke(ctx, j)
	o.attempts = attempts
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return o, cerr
		}
		// 超出 Gate 单请求或每分钟容量：重试与后续批次都无法放行
		if errors.Is(err, contract.ErrBudgetExceeded) {
			d.log.ErrorWith("gate", string(diag.CodeBudget), err.Error(), nil, string(b.FileID), batchID(b))
			return o, contract.AtStage(contract.StagePrompt, b.FileID, err)
		}
		if errors.Is(err, contract.ErrBackendFatal) && d.succeeded.Load() == 0 {
			d.log.ErrorWith("dispatch", string(diag.CodeAuth), "backend rejected credentials: "+err.Error(), nil, string(b.FileID), batchID(b))
			return o, contract.AtStage(contract.StageDispatch, b.FileID, err)
		}
		o.degraded = true
		raw = contract.Raw{}
		diag.AddDegraded(1)
		d.log.Warn("dispatch", string(diag.Classify(err)), "batch degraded: "+err.Error(), string(b.FileID), batchID(b), map[string]string{
			"attempts": strconv.Itoa(attempts),
			"records":  strconv.Itoa(len(b.Records)),
		})
	} else {
		d.succeeded.Add(1)
	}
	ptimer := d.log.StartWith("parser", "parse", string(b.FileID), batchID(b))
	o.result = d.comp.Parser.Parse(ctx, b, raw)
	ptimer.Finish("parse", int64(len(o.result.Rows)))
	if !o.degraded && (o.result.Unparsed > 0 || o.result.Dropped > 0) {
		d.log.Warn("parser", string(diag.CodeProtocol), "response did not match batch", string(b.FileID), batchID(b), map[string]string{
			"segments": strconv.Itoa(o.result.Segments),
			"unparsed": strconv.Itoa(o.result.Unparsed),
			"dropped":  strconv.Itoa(o.result.Dropped),
		})
	}
	o.state = BatchParsed
	return o, nil
}

// invoke 调用后端：瞬时失败最多重试 MaxRetries 次；其余错误立即返回。
// 返回实际尝试次数。
func (d *dispatcher) invoke(ctx context.Context, j job) (contract.Raw, int, error) {
	b := j.batch
	attempts := d.set.MaxRetries + 1
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return contract.Raw{}, attempt - 1, err
		}
		if d.set.Gate != nil {
			d.log.DebugStart("gate", "ask", string(b.FileID), batchID(b), map[string]string{
				"tokens":  strconv.Itoa(j.tokens),
				"attempt": strconv.Itoa(attempt),
			})
			if err := d.set.Gate.Wait(ctx, rate.Ask{Key: d.set.GateKey, Requests: 1, Tokens: j.tokens}); err != nil {
				// Gate 错误不重试（取消或超出单请求上限）
				return contract.Raw{}, attempt - 1, err
			}
		}
		timer := d.log.StartWithKV("llm_client", "invoke", string(b.FileID), batchID(b), map[string]string{
			"tokens":  strconv.Itoa(j.tokens),
			"attempt": strconv.Itoa(attempt),
		})
		raw, err := d.call(ctx, b, j.prompt)
		if err == nil {
			timer.Finish("invoke", int64(j.tokens))
			diag.IncCall("ok")
			return raw, attempt, nil
		}
		d.logInvokeError(err, b, timer)
		if attempt >= attempts || !retryable(ctx, err) {
			return contract.Raw{}, attempt, err
		}
		if err := sleepWithCtx(ctx, d.set.RetryPause); err != nil {
			return contract.Raw{}, attempt, err
		}
	}
}

// call 以单次调用超时包裹 Invoke；父 ctx 仍有效而调用超时视为瞬时失败。
func (d *dispatcher) call(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	cctx := ctx
	if d.set.CallTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, d.set.CallTimeout)
		defer cancel()
	}
	raw, err := d.comp.LLM.Invoke(cctx, b, p)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		return contract.Raw{}, fmt.Errorf("call timed out after %s: %w", d.set.CallTimeout, contract.ErrBackendTransient)
	}
	return raw, err
}

func (d *dispatcher) logInvokeError(err error, b contract.Batch, timer *diag.Timer) {
	code := diag.Classify(err)
	switch {
	case errors.Is(err, contract.ErrBackendFatal):
		diag.IncCall("fatal")
	case contract.IsTransient(err):
		diag.IncCall("transient")
	default:
		diag.IncCall("other")
	}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv := map[string]string{"http_status": strconv.Itoa(ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
		d.log.ErrorWithKV("llm_client", string(code), "invoke failed", timer.Since(), string(b.FileID), batchID(b), kv)
		return
	}
	d.log.ErrorWith("llm_client", string(code), "invoke failed: "+err.Error(), timer.Since(), string(b.FileID), batchID(b))
}

// retryable: 仅瞬时失败（超时、5xx、连接中断、限流）可重试；取消不重试。
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return contract.IsTransient(err)
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
