package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TrackedInvoice的種類：出價附帶的invoice或結算邀約開立的invoice
const (
	InvoiceKindBid        = "bid"
	InvoiceKindSettlement = "settlement"
)

// TrackedInvoice 是支付驗證帳本的一筆紀錄
// Paid只會從false變成true一次，由Payment Provider的付款通知驅動
type TrackedInvoice struct {
	gorm.Model

	PaymentHash  string    `gorm:"type:char(64);primaryKey"`
	InvoiceID    string    `gorm:"type:varchar(255);index;not null"`
	AuctionID    uuid.UUID `gorm:"type:uuid;index;not null"`
	BidderPubkey string    `gorm:"type:char(64);not null"`
	Amount       uint64    `gorm:"type:bigint;not null"`
	Bolt11       string    `gorm:"type:text;not null"`
	Kind         string    `gorm:"type:varchar(16);not null;default:'bid'"`
	Paid         bool      `gorm:"not null;default:false"`
}
