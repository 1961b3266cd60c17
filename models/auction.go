package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Auction 代表一場命名空間識別符的拍賣
// 錨定在一個公開的listing事件上，出價收據都必須引用該事件
type Auction struct {
	gorm.Model

	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ReferenceEventID string    `gorm:"type:char(64);uniqueIndex;not null"`
	Name             string    `gorm:"type:varchar(255);not null"`
	Description      string    `gorm:"type:text;not null"`
	AuctionPubkey    string    `gorm:"type:char(64);not null"`
	StartingPrice    uint64    `gorm:"type:bigint;not null"`
	ReservePrice     uint64    `gorm:"type:bigint;not null"`
	StartsAt         time.Time `gorm:"type:timestamp with time zone;not null"`
	// EndsAt只會因反狙擊延長而往後推，永遠不會提前
	EndsAt       time.Time  `gorm:"type:timestamp with time zone;not null"`
	SettledAt    *time.Time `gorm:"type:timestamp with time zone"`
	WinnerPubkey *string    `gorm:"type:char(64)"`
	WinningBid   *uint64    `gorm:"type:bigint"`
	UnsoldReason string     `gorm:"type:text"`

	// 外鍵關聯
	BidRecords []Bid `gorm:"foreignKey:AuctionID"`
}
