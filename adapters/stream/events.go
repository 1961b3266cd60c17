package stream

import (
	"time"
)

// EventKind 標記stream訊息承載的事件種類
type EventKind string

const (
	EventKindBid        EventKind = "bid"
	EventKindSettlement EventKind = "settlement"
)

// BidEvent 是跨實例廣播的出價事件。
// 引擎接受出價後發佈，其他實例的SSE fan-out與持久化worker都消費這個事件。
type BidEvent struct {
	AuctionID    string    `msgpack:"auctionId"`
	BidID        string    `msgpack:"bidId"`
	ReceiptID    string    `msgpack:"receiptId"`
	BidderPubkey string    `msgpack:"bidderPubkey"`
	Amount       uint64    `msgpack:"amount"`
	PaidAmount   uint64    `msgpack:"paidAmount"`
	Memo         string    `msgpack:"memo,omitempty"`
	PlacedAt     time.Time `msgpack:"placedAt"`
	// EndsAt是接受這筆出價後的最新結束時間(可能已被反狙擊延長)
	EndsAt time.Time `msgpack:"endsAt"`
}

// SettlementEvent 是拍賣結算完成後廣播的事件
type SettlementEvent struct {
	AuctionID    string     `msgpack:"auctionId"`
	State        string     `msgpack:"state"`
	WinnerPubkey string     `msgpack:"winnerPubkey,omitempty"`
	WinningBid   uint64     `msgpack:"winningBid,omitempty"`
	UnsoldReason string     `msgpack:"unsoldReason,omitempty"`
	SettledAt    *time.Time `msgpack:"settledAt,omitempty"`
}
