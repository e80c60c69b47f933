// Package governance wires identity, rate limiting, estimation and budget
// checks into a single HTTP admission middleware.
// This package is internal and should not be imported by external projects.
package governance

import (
	"errors"
	"fmt"
)

// =============================================================================
// ⚠️ 治理错误
// =============================================================================

// Kind 治理失败的类别，决定 fail-open 还是 fail-closed
type Kind string

const (
	// KindRateLimited 限流拒绝
	KindRateLimited Kind = "rate_limited"

	// KindBudgetExceeded 预算拒绝
	KindBudgetExceeded Kind = "budget_exceeded"

	// KindNoBudget 用户无预算行；对调用方等同预算超限
	KindNoBudget Kind = "no_budget"

	// KindEstimation 成本预估失败（fail-open，放行）
	KindEstimation Kind = "estimation"

	// KindStorage 预算存储故障（fail-closed，拒绝）
	KindStorage Kind = "storage"
)

// Error 带类别的治理错误
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Details 随拒绝响应返回的附加字段（retry_after、estimated_cost 等）
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 创建治理错误
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails 附加拒绝响应的额外字段
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf 返回错误的治理类别；非治理错误返回空串
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}
