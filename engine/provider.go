//go:generate mockgen -package=engine -destination=provider_mock.go -source=provider.go

package engine

import (
	"context"
	"time"
)

// InvoiceStatus 是Payment Provider回報的invoice狀態。
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusExpired InvoiceStatus = "expired"
	InvoiceStatusFailed  InvoiceStatus = "failed"
)

// Invoice 是Payment Provider開立的Lightning invoice。
type Invoice struct {
	ID          string
	Amount      uint64
	PaymentHash string
	Bolt11      string
	Backend     string
	ExpiresAt   time.Time
}

// PaymentNotification 是付款事件通知，由Provider的訂閱推送。
type PaymentNotification struct {
	InvoiceID string
	Status    InvoiceStatus
	PaidAt    time.Time
}

// PaymentProvider 定義了引擎消費的支付後端介面。
// 網路呼叫都可能阻塞，引擎保證不會在持有拍賣鎖時呼叫這些方法。
type PaymentProvider interface {
	// CreateInvoice 開立一張指定金額(sats)的invoice。
	CreateInvoice(ctx context.Context, amount uint64, memo string, metadata map[string]string) (Invoice, error)
	// CheckInvoiceStatus 查詢invoice目前的狀態。
	CheckInvoiceStatus(ctx context.Context, invoiceID string) (InvoiceStatus, error)
}
