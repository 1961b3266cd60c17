package engine

import (
	"time"

	"github.com/google/uuid"

	"gavel/models"
)

// State 代表拍賣的生命週期狀態。
// 除了SETTLED以外，狀態都是由當下時間推導出來的；
// SETTLED是由結算流程寫入的終態，推導時永遠優先於時間計算。
type State string

const (
	StateUpcoming State = "UPCOMING"
	StateLive     State = "LIVE"
	StateEnded    State = "ENDED"
	StateSettled  State = "SETTLED"
)

func stateOf(a *models.Auction, now time.Time) State {
	if a.SettledAt != nil {
		return StateSettled
	}
	if now.Before(a.StartsAt) {
		return StateUpcoming
	}
	if !now.After(a.EndsAt) {
		return StateLive
	}
	return StateEnded
}

// CreateAuctionInput 是建立拍賣所需的參數。
type CreateAuctionInput struct {
	Name             string
	Description      string
	ReferenceEventID string
	AuctionPubkey    string
	StartingPrice    uint64
	ReservePrice     uint64
	StartsAt         time.Time
	EndsAt           time.Time
}

// SettlementOffer 代表一個尚未付款的得標邀約。
// 付款確認(回呼或輪詢)其中一方先到都會把它收斂成SETTLED。
type SettlementOffer struct {
	BidderPubkey string
	Amount       uint64
	InvoiceID    string
	PaymentHash  string
	IssuedAt     time.Time
}

// SecondChanceStatus 是瀑布流邀約的對外狀態。
type SecondChanceStatus struct {
	BidderPubkey string `json:"bidderPubkey"`
	Status       string `json:"status"`
}

// SettlementResult 是Settle/ProcessSecondChance/HandlePaymentReceived的回傳結果。
// 同一場已結算拍賣重複查詢會得到完全相同的結果。
type SettlementResult struct {
	AuctionID           uuid.UUID           `json:"auctionId"`
	State               State               `json:"state"`
	ReserveMet          bool                `json:"reserveMet"`
	AwaitingPayment     bool                `json:"awaitingPayment"`
	WinnerPubkey        string              `json:"winnerPubkey,omitempty"`
	WinningBid          uint64              `json:"winningBid,omitempty"`
	SettlementInvoiceID string              `json:"settlementInvoiceId,omitempty"`
	SecondChanceOffer   *SecondChanceStatus `json:"secondChanceOffer,omitempty"`
	UnsoldReason        string              `json:"unsoldReason,omitempty"`
	SettledAt           *time.Time          `json:"settledAt,omitempty"`
}
