package pricing

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// =============================================================================
// 🔢 Token 计数器
// =============================================================================

// TokenCounter 基于 tiktoken 的确定性 token 计数器
//
// 编码器按编码名缓存复用；tiktoken 初始化失败时退回
// 字符数/4 的保守估算，计数永不失败。
type TokenCounter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewTokenCounter 创建 token 计数器
func NewTokenCounter(logger *zap.Logger) *TokenCounter {
	return &TokenCounter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		logger:   logger.With(zap.String("component", "token_counter")),
	}
}

// Count 返回文本在给定模型分词下的 token 数
//
// 相同输入永远得到相同计数。编码不可用时使用 len/4 回退启发式。
func (c *TokenCounter) Count(text, model string) int {
	if text == "" {
		return 0
	}

	enc, err := c.encoderFor(model)
	if err != nil {
		fallback := len(text) / 4
		if fallback < 1 {
			fallback = 1
		}
		c.logger.Warn("tiktoken unavailable, using chars/4 fallback",
			zap.String("model", model),
			zap.Int("fallback_count", fallback),
			zap.Error(err))
		return fallback
	}

	return len(enc.Encode(text, nil, nil))
}

// CountBatch 批量计数，复用同一编码器
func (c *TokenCounter) CountBatch(texts []string, model string) []int {
	counts := make([]int, len(texts))
	for i, text := range texts {
		counts[i] = c.Count(text, model)
	}
	return counts
}

func (c *TokenCounter) encoderFor(model string) (*tiktoken.Tiktoken, error) {
	name := encodingForModel(model)

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	c.encoders[name] = enc
	return enc, nil
}

// encodingForModel 将模型名映射到 tiktoken 编码名
func encodingForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4o"):
		return "o200k_base"
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5-turbo"):
		return "cl100k_base"
	case strings.HasPrefix(model, "text-davinci"):
		return "p50k_base"
	default:
		// 未知模型使用最通用的编码
		return "cl100k_base"
	}
}
