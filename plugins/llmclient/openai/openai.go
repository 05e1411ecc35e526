package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"llmbatch/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（Azure/OpenRouter 等）
	// JSONMode 请求 response_format=json_object；仅用于 JSON 回复格式的提示词。
	JSONMode bool `json:"json_mode"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	hc          *http.Client
	url         string
	apiKey      string
	temp        *float64
	maxTokens   int
	model       string
	extraH      map[string]string
	disableAuth bool
	jsonMode    bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key (%s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	// 允许 endpoint_path 为完整 URL
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		fullURL = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.EndpointPath, "/")
	}
	return &Client{
		hc:          hc,
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		maxTokens:   opts.MaxTokens,
		model:       opts.Model,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		jsonMode:    opts.JSONMode,
		do:          hc.Do,
	}, nil
}

// Model 返回实际使用的模型名（用于缓存命名空间与日志）。
func (c *Client) Model() string { return c.model }

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaFormat struct {
	Type string `json:"type"`
}

type oaReq struct {
	Model          string      `json:"model"`
	Messages       []oaMessage `json:"messages"`
	Temperature    *float64    `json:"temperature,omitempty"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	ResponseFormat *oaFormat   `json:"response_format,omitempty"`
}

type oaResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) messages(p contract.Prompt) ([]oaMessage, error) {
	switch v := p.(type) {
	case contract.TextPrompt:
		return []oaMessage{{Role: "user", Content: string(v)}}, nil
	case contract.ChatPrompt:
		out := make([]oaMessage, len(v))
		for i, m := range v {
			out[i] = oaMessage{Role: m.Role, Content: m.Content}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("openai: prompt type %T: %w", p, contract.ErrInvalidInput)
	}
}

func (c *Client) newRequest(ctx context.Context, p contract.Prompt) (*http.Request, error) {
	msgs, err := c.messages(p)
	if err != nil {
		return nil, err
	}
	body := oaReq{Model: c.model, Messages: msgs, Temperature: c.temp, MaxTokens: c.maxTokens}
	if c.jsonMode {
		body.ResponseFormat = &oaFormat{Type: "json_object"}
	}
	buf, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("openai: encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("openai: new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

// Invoke 发送一次 chat completion 请求并返回首个候选的文本。
func (c *Client) Invoke(ctx context.Context, _ contract.Batch, p contract.Prompt) (contract.Raw, error) {
	req, err := c.newRequest(ctx, p)
	if err != nil {
		return contract.Raw{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, fmt.Errorf("openai: %v: %w", err, contract.ErrBackendTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return contract.Raw{}, &contract.StatusError{Backend: "openai", Status: resp.StatusCode, Message: strings.TrimSpace(string(slurp))}
	}
	var out oaResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return contract.Raw{}, fmt.Errorf("openai: decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if len(out.Choices) == 0 {
		return contract.Raw{}, fmt.Errorf("openai: no choices: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: out.Choices[0].Message.Content}, nil
}

var _ contract.LLMClient = (*Client)(nil)
