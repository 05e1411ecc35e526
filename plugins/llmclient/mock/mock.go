package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"llmbatch/pkg/contract"
)

// Options: 无网络联调用的确定性后端。
type Options struct {
	Prefix string `json:"prefix"` // 值前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode:
	//  - "json_delimited"（默认）：每条记录一个 JSON 对象，以分隔符连接；
	//  - "markdown_table"：整批输出为一张 Markdown 表格；
	//  - "fenced"：与 json_delimited 相同，但整体包在 ```json 围栏中；
	//  - "prose"：无法解析的自由文本。
	ResponseMode string `json:"response_mode,omitempty"`
	// DelayMS: 每条“剩余记录”的延迟毫秒数。越靠后的批剩余越少、返回越早，
	// 用于构造乱序完成。
	DelayMS int `json:"delay_ms,omitempty"`
	// Echo: 识别字段与输入字段同名时回显输入值。
	Echo bool `json:"echo,omitempty"`
}

type Client struct {
	prefix string
	mode   string
	delay  time.Duration
	echo   bool
	schema contract.OutputSchema
	calls  atomic.Int64
}

// New 构造 mock 客户端；schema 决定输出字段与分隔符。
func New(raw json.RawMessage, schema contract.OutputSchema) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "json_delimited"
	case "json_delimited", "markdown_table", "fenced", "prose":
	default:
		return nil, fmt.Errorf("mock: unknown response_mode %q: %w", mode, contract.ErrInvalidInput)
	}
	if schema.Delimiter == "" {
		schema.Delimiter = contract.DefaultDelimiter
	}
	return &Client{prefix: o.Prefix, mode: mode, delay: time.Duration(o.DelayMS) * time.Millisecond, echo: o.Echo, schema: schema}, nil
}

// Calls 返回累计 Invoke 次数。
func (c *Client) Calls() int64 { return c.calls.Load() }

// Invoke 实现 contract.LLMClient。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, _ contract.Prompt) (contract.Raw, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		remaining := b.TotalCount - int(b.StartIndex)
		if remaining < 1 {
			remaining = 1
		}
		t := time.NewTimer(c.delay * time.Duration(remaining))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return contract.Raw{}, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	return contract.Raw{Text: c.Render(b)}, nil
}

// Render 生成批次的确定性响应文本。
func (c *Client) Render(b contract.Batch) string {
	switch c.mode {
	case "prose":
		return fmt.Sprintf("%s: I could not analyse these %d records.", c.prefix, len(b.Records))
	case "markdown_table":
		var sb strings.Builder
		sb.WriteString("|")
		for _, f := range c.schema.Fields {
			sb.WriteString(" " + f + " |")
		}
		sb.WriteString("\n|")
		for range c.schema.Fields {
			sb.WriteString("---|")
		}
		sb.WriteString("\n")
		for _, r := range b.Records {
			sb.WriteString("|")
			for _, f := range c.schema.Fields {
				sb.WriteString(" " + c.value(r, f) + " |")
			}
			sb.WriteString("\n")
		}
		return sb.String()
	}
	parts := make([]string, 0, len(b.Records))
	for _, r := range b.Records {
		obj := make(map[string]string, len(c.schema.Fields))
		for _, f := range c.schema.Fields {
			obj[f] = c.value(r, f)
		}
		bts, _ := json.Marshal(obj)
		parts = append(parts, string(bts))
	}
	out := strings.Join(parts, "\n"+c.schema.Delimiter+"\n")
	if c.mode == "fenced" {
		out = "```json\n" + out + "\n```"
	}
	return out
}

func (c *Client) value(r contract.Record, field string) string {
	if c.echo {
		if v, ok := r.Fields[field]; ok {
			return v
		}
	}
	return c.prefix + ":" + field + "#" + strconv.FormatInt(int64(r.Index), 10)
}

var _ contract.LLMClient = (*Client)(nil)
