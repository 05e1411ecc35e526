package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"llmbatch/pkg/contract"
)

// Options: Gemini（google.golang.org/genai）最小必需配置。
type Options struct {
	BaseURL   string `json:"base_url"`    // 可选，覆盖 SDK 默认端点
	Model     string `json:"model"`       // 默认 gemini-2.0-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int32    `json:"max_output_tokens,omitempty"`
	// ResponseMIMEType: 例如 "text/plain"；为空则由服务端决定。
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.0-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// generateFunc 与 genai.Models.GenerateContent 同形，便于测试替换。
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

type Client struct {
	model    string
	temp     *float32
	maxOut   int32
	respMIME string
	generate generateFunc
}

// New 从原样 JSON 选项构造客户端。SDK 客户端在构造期创建，不发起网络请求。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key (%s)", contract.ErrInvalidInput, opts.APIKeyEnv)
	}
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	gc, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{
		model:    opts.Model,
		temp:     opts.Temperature,
		maxOut:   opts.MaxOutputTokens,
		respMIME: opts.ResponseMIMEType,
		generate: gc.Models.GenerateContent,
	}, nil
}

// Model 返回实际使用的模型名。
func (c *Client) Model() string { return c.model }

// buildRequest 将 Prompt 映射为 contents + 配置；system 消息合并为 SystemInstruction。
func (c *Client) buildRequest(p contract.Prompt) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      c.temp,
		ResponseMIMEType: c.respMIME,
	}
	if c.maxOut > 0 {
		cfg.MaxOutputTokens = c.maxOut
	}
	switch v := p.(type) {
	case contract.TextPrompt:
		return genai.Text(string(v)), cfg, nil
	case contract.ChatPrompt:
		var sys []string
		var contents []*genai.Content
		for _, m := range v {
			switch strings.ToLower(strings.TrimSpace(m.Role)) {
			case "system":
				sys = append(sys, m.Content)
			case "assistant", "model":
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			default:
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
			}
		}
		if len(contents) == 0 {
			return nil, nil, fmt.Errorf("gemini: %w: no user content", contract.ErrInvalidInput)
		}
		if len(sys) > 0 {
			cfg.SystemInstruction = genai.NewContentFromText(strings.Join(sys, "\n\n"), genai.RoleUser)
		}
		return contents, cfg, nil
	default:
		return nil, nil, contract.ErrInvalidInput
	}
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, b contract.Batch, p contract.Prompt) (contract.Raw, error) {
	contents, cfg, err := c.buildRequest(p)
	if err != nil {
		return contract.Raw{}, err
	}
	resp, err := c.generate(ctx, c.model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, mapError(err)
	}
	text := responseText(resp)
	if text == "" && (resp == nil || len(resp.Candidates) == 0) {
		return contract.Raw{}, fmt.Errorf("gemini: no candidates: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: text}, nil
}

// responseText 拼接首个候选的全部文本片段。
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// mapError: Gemini 的无效密钥以 400 INVALID_ARGUMENT 返回，需按消息识别为鉴权失败。
func mapError(err error) error {
	var ae genai.APIError
	if !errors.As(err, &ae) {
		var pae *genai.APIError
		if !errors.As(err, &pae) || pae == nil {
			// 连接中断等：可重试
			return fmt.Errorf("gemini: %v: %w", err, contract.ErrBackendTransient)
		}
		ae = *pae
	}
	se := &contract.StatusError{Backend: "gemini", Status: ae.Code, Message: ae.Message}
	if ae.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(ae.Message), "api key") {
		se.Kind = contract.ErrBackendFatal
	}
	return se
}

var _ contract.LLMClient = (*Client)(nil)
