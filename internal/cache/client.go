package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"

	"llmbatch/internal/diag"
	"llmbatch/pkg/contract"
)

// Key 由命名空间（provider 与模型等）与 Prompt 内容派生缓存键。
func Key(namespace string, p contract.Prompt) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	switch v := p.(type) {
	case contract.TextPrompt:
		h.Write([]byte(v))
	case string:
		h.Write([]byte(v))
	default:
		b, _ := json.Marshal(v)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Client 为任意 LLMClient 加上响应缓存：命中时不调用后端。
// 仅缓存成功且非空的响应；缓存读写失败只记日志，不影响调用结果。
type Client struct {
	inner     contract.LLMClient
	store     *Store
	namespace string
	log       *diag.Logger

	hits, misses atomic.Int64
}

// Wrap 构造缓存装饰器。log 可为 nil。
func Wrap(inner contract.LLMClient, store *Store, namespace string, log *diag.Logger) *Client {
	if log == nil {
		log = diag.Nop()
	}
	return &Client{inner: inner, store: store, namespace: namespace, log: log}
}

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	key := Key(c.namespace, p)
	bid := strconv.FormatInt(b.BatchIndex, 10)
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache", string(diag.CodeIO), "cache read failed: "+err.Error(), string(b.FileID), bid, nil)
	}
	if ok {
		c.hits.Add(1)
		c.log.DebugStart("cache", "hit", string(b.FileID), bid, nil)
		return contract.Raw{Text: raw}, nil
	}
	c.misses.Add(1)
	out, err := c.inner.Invoke(ctx, b, p)
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(out.Text) != "" {
		if perr := c.store.Put(ctx, key, c.namespace, out.Text); perr != nil {
			c.log.Warn("cache", string(diag.CodeIO), "cache write failed: "+perr.Error(), string(b.FileID), bid, nil)
		}
	}
	return out, nil
}

// Stats 返回 (命中, 未命中) 次数。
func (c *Client) Stats() (hits, misses int64) { return c.hits.Load(), c.misses.Load() }

var _ contract.LLMClient = (*Client)(nil)
