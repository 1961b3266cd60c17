package engine

import (
	"fmt"

	"github.com/google/uuid"
)

// ValidationError 代表呼叫端可見的驗證錯誤(拍賣參數不合法、出價過低、
// 拍賣不在進行中、收據無法解析)，不會自動重試。
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// PaymentVerificationError 代表支付驗證失敗(preimage不符、invoice未支付或未追蹤)。
// 同一張收據在付款完成後重新提交是安全的(冪等)。
type PaymentVerificationError struct {
	Reason string
}

func (e *PaymentVerificationError) Error() string {
	return e.Reason
}

// NotFoundError 代表查詢的拍賣或出價不存在。
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func newAuctionNotFound(id uuid.UUID) *NotFoundError {
	return &NotFoundError{Resource: "auction", ID: id.String()}
}

// ProviderError 代表Payment Provider在開立invoice或查詢狀態時的失敗。
// 結算不會在這種錯誤下部分完成，呼叫端可以安全重試。
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] payment provider error: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
