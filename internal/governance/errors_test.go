package governance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	gerr := NewError(KindStorage, "budget store unavailable", assert.AnError)
	assert.Equal(t, KindStorage, KindOf(gerr))
	assert.ErrorIs(t, gerr, assert.AnError)

	// 包一层仍能取到类别
	wrapped := fmt.Errorf("admission: %w", gerr)
	assert.Equal(t, KindStorage, KindOf(wrapped))

	// 非治理错误没有类别
	assert.Equal(t, Kind(""), KindOf(assert.AnError))
}

func TestErrorDetails(t *testing.T) {
	gerr := NewError(KindRateLimited, "too many requests", nil).
		WithDetails(map[string]any{"retry_after": 3})
	assert.Equal(t, 3, gerr.Details["retry_after"])
	assert.Contains(t, gerr.Error(), "rate_limited")
}

func TestDenialPolicy_NoBudgetMatchesBudgetExceeded(t *testing.T) {
	// 无预算与预算超限对调用方不可区分
	assert.Equal(t, denialPolicy[KindBudgetExceeded], denialPolicy[KindNoBudget])
}
