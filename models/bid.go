package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Bid 代表一筆已通過支付驗證的出價
// 一旦寫入就不再修改，同一張收據在同一場拍賣中只會產生一筆紀錄
type Bid struct {
	gorm.Model

	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_auction_receipt"`
	ReceiptID    string    `gorm:"type:char(64);not null;uniqueIndex:idx_auction_receipt"`
	BidderPubkey string    `gorm:"type:char(64);not null;<-:create"`
	// Amount是出價金額，PaidAmount是實際證明已支付的金額；
	// 當memo宣告的出價低於支付金額時兩者會不同
	Amount     uint64    `gorm:"type:bigint;not null;<-:create"`
	PaidAmount uint64    `gorm:"type:bigint;not null;<-:create"`
	Memo       string    `gorm:"type:text"`
	PlacedAt   time.Time `gorm:"type:timestamp with time zone;not null;<-:create"`
}
