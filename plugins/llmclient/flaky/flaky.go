package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"llmbatch/pkg/contract"
	"llmbatch/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	// FailBatches: 需要失败的批序；为空表示所有批。
	FailBatches []int64 `json:"fail_batches,omitempty"`
	// FailTimes: 每个目标批前 N 次调用失败，之后成功；<0 表示始终失败。默认 1。
	FailTimes *int `json:"fail_times,omitempty"`
	// Failure: "transient"（默认）| "rate_limited" | "auth" | "invalid" | "hang"（阻塞到 ctx 结束）。
	Failure string `json:"failure,omitempty"`
	// Mock: 成功时使用的 mock 配置。
	Mock json.RawMessage `json:"mock,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 按批注入失败的 LLM 实现，成功时委托给 mock。
type Client struct {
	target   map[int64]struct{}
	times    int
	failure  string
	inner    *mock.Client
	logPath  string
	mu       sync.Mutex
	attempts map[int64]int
}

// New 构造 Client。
func New(raw json.RawMessage, schema contract.OutputSchema) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	inner, err := mock.New(o.Mock, schema)
	if err != nil {
		return nil, err
	}
	c := &Client{times: 1, failure: o.Failure, inner: inner, logPath: o.LogPath, attempts: map[int64]int{}}
	if o.FailTimes != nil {
		c.times = *o.FailTimes
	}
	switch c.failure {
	case "":
		c.failure = "transient"
	case "transient", "rate_limited", "auth", "invalid", "hang":
	default:
		return nil, fmt.Errorf("flaky: unknown failure %q: %w", c.failure, contract.ErrInvalidInput)
	}
	if len(o.FailBatches) > 0 {
		c.target = make(map[int64]struct{}, len(o.FailBatches))
		for _, b := range o.FailBatches {
			c.target[b] = struct{}{}
		}
	}
	return c, nil
}

// Attempts 返回某批的累计调用次数。
func (c *Client) Attempts(batch int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[batch]
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	c.mu.Lock()
	c.attempts[b.BatchIndex]++
	n := c.attempts[b.BatchIndex]
	c.mu.Unlock()

	_, hit := c.target[b.BatchIndex]
	if c.target == nil {
		hit = true
	}
	if hit && (c.times < 0 || n <= c.times) {
		c.log(fmt.Sprintf("batch=%d attempt=%d %s", b.BatchIndex, n, c.failure))
		switch c.failure {
		case "rate_limited":
			return contract.Raw{}, contract.ErrRateLimited
		case "auth":
			return contract.Raw{}, fmt.Errorf("flaky: 401: %w", contract.ErrBackendFatal)
		case "invalid":
			return contract.Raw{}, fmt.Errorf("flaky: 400: %w", contract.ErrInvalidInput)
		case "hang":
			<-ctx.Done()
			return contract.Raw{}, ctx.Err()
		default:
			return contract.Raw{}, fmt.Errorf("flaky: 503: %w", contract.ErrBackendTransient)
		}
	}
	c.log(fmt.Sprintf("batch=%d attempt=%d ok", b.BatchIndex, n))
	return c.inner.Invoke(ctx, b, p)
}

var _ contract.LLMClient = (*Client)(nil)
