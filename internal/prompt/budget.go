package prompt

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"llmbatch/pkg/contract"
)

// 估算器种类。
const (
	EstimatorBytes    = "bytes"
	EstimatorTiktoken = "tiktoken"
)

// DefaultEncoding: tiktoken 默认编码。
const DefaultEncoding = "cl100k_base"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// NewEstimator 按种类构造估算器。
// tiktoken 编码不可用（未知编码、词表下载失败）时退回字节估算，并返回非 nil 错误供调用方记录。
func NewEstimator(kind, encoding string, bytesPerToken int) (contract.TokenEstimator, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", EstimatorBytes:
		return MakeEstimator(bytesPerToken), nil
	case EstimatorTiktoken:
		if encoding == "" {
			encoding = DefaultEncoding
		}
		enc, err := tiktoken.GetEncoding(encoding)
		if err != nil {
			return MakeEstimator(bytesPerToken), fmt.Errorf("tiktoken %s: %w", encoding, err)
		}
		return func(s string) int {
			if s == "" {
				return 0
			}
			return len(enc.Encode(s, nil, nil))
		}, nil
	default:
		return nil, fmt.Errorf("unknown token estimator %q: %w", kind, contract.ErrInvalidInput)
	}
}

// EffectiveMaxTokens 计算预扣“固定提示开销”后的有效预算。
// 返回 (effectiveMax, overheadTokens)。若 maxTokens<=0，返回 (0,0)。
func EffectiveMaxTokens(pb contract.PromptBuilder, est contract.TokenEstimator, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	overhead := pb.EstimateOverheadTokens(est)
	return maxTokens - overhead, overhead
}

// PromptTokens 估算完整 Prompt 的 token 数；未知载荷按 0 计。
func PromptTokens(est contract.TokenEstimator, p contract.Prompt) int {
	switch v := p.(type) {
	case contract.TextPrompt:
		return est(string(v))
	case contract.ChatPrompt:
		n := 0
		for _, m := range v {
			n += est(m.Content)
		}
		return n
	case string:
		return est(v)
	default:
		return 0
	}
}

// CheckBudget 校验单批 Prompt 是否落在预算内；maxTokens<=0 表示不限制。
func CheckBudget(est contract.TokenEstimator, p contract.Prompt, maxTokens int) (int, error) {
	n := PromptTokens(est, p)
	if maxTokens > 0 && n > maxTokens {
		return n, fmt.Errorf("prompt needs ~%d tokens, budget %d: %w", n, maxTokens, contract.ErrBudgetExceeded)
	}
	return n, nil
}
