package contract

import "context"

// Prompt: 发给后端的载荷；具体形状由 PromptBuilder 与 LLMClient 约定。
type Prompt any

// Message: 一条会话消息。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 单段文本提示词。
type TextPrompt string

// ChatPrompt: system + user 形式的会话提示词。
type ChatPrompt []Message

// PromptBuilder 为一个批次生成提示词：说明文字、识别字段、分隔符规则与该批记录。
// 同一批次多次调用结果相同；不做 I/O。
type PromptBuilder interface {
	Build(ctx context.Context, b Batch) (Prompt, error)
	// EstimateOverheadTokens: 与批次内容无关的固定部分（说明、字段说明、格式规则）的 token 估计，
	// 用于在调度前判断预算是否足够。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本 → token 数的近似估算。
type TokenEstimator func(s string) int
