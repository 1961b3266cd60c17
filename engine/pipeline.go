package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"gavel/models"
)

// SubmitBid 執行完整的出價接受管線：
// 狀態閘門 → 解析 → 收據去重 → 支付驗證 → 最低加價檢查 → 反狙擊 → 寫入。
// 任何一步被拒都不會留下部分狀態；重複提交同一張收據會冪等地
// 回傳既有的出價而不會重複計數。
func (e *Engine) SubmitBid(ctx context.Context, auctionID uuid.UUID, receipt *nostr.Event) (models.Bid, error) {
	const op = "SubmitBid"

	entry, ok := e.registry.entry(auctionID)
	if !ok {
		return models.Bid{}, newAuctionNotFound(auctionID)
	}

	// 1. 拍賣必須正在進行中
	entry.mu.Lock()
	referenceEventID := entry.auction.ReferenceEventID
	state := stateOf(entry.auction, time.Now())
	entry.mu.Unlock()
	if state != StateLive {
		return models.Bid{}, newValidationError("auction is not live (state=%s)", state)
	}

	// 2. 解析收據
	bid, err := ParseBid(receipt, referenceEventID)
	if err != nil {
		return models.Bid{}, err
	}
	bid.AuctionID = auctionID

	// 3. 收據去重：已經記錄過就直接回傳既有出價
	entry.mu.Lock()
	if existing, ok := entry.byReceipt[bid.ReceiptID]; ok {
		dup := *existing
		entry.mu.Unlock()
		return dup, nil
	}
	entry.mu.Unlock()

	// 4. 支付驗證(會解碼invoice，不持有拍賣鎖)
	bolt11 := firstTagValue(receipt, "bolt11")
	preimage := firstTagValue(receipt, "preimage")
	if err := e.verifier.Verify(bolt11, preimage); err != nil {
		return models.Bid{}, err
	}

	// 進入序列化區段：同一場拍賣的出價在這裡一筆一筆處理，
	// 並發出價不可能繞過最低加價檢查
	entry.mu.Lock()

	now := time.Now()
	if state := stateOf(entry.auction, now); state != StateLive {
		entry.mu.Unlock()
		return models.Bid{}, newValidationError("auction is not live (state=%s)", state)
	}
	if existing, ok := entry.byReceipt[bid.ReceiptID]; ok {
		dup := *existing
		entry.mu.Unlock()
		return dup, nil
	}

	// 5. 最低加價檢查，拒絕時帶上確切的最低金額
	minimum := entry.minimumAllowed()
	if bid.Amount < minimum {
		entry.mu.Unlock()
		return models.Bid{}, newValidationError("bid of %d is below the minimum allowed bid of %d", bid.Amount, minimum)
	}

	// 6. 反狙擊：出價落在結束前的窗口內就延長結束時間。
	//    延長與接受在同一個鎖下原子完成，endsAt只會往後推，
	//    永遠不會回溯調整已接受的出價。
	extended := false
	if !bid.PlacedAt.Before(entry.auction.EndsAt.Add(-e.options.softCloseWindow)) {
		entry.auction.EndsAt = entry.auction.EndsAt.Add(e.options.softCloseExtension)
		extended = true
	}

	// 7. 寫入出價
	entry.record(bid)
	auctionCopy := *entry.auction
	bidCopy := *bid
	entry.mu.Unlock()

	e.logger.Info("bid accepted",
		slog.String("op", op),
		slog.String("auctionID", auctionID.String()),
		slog.String("bidder", bidCopy.BidderPubkey),
		slog.Uint64("amount", bidCopy.Amount),
		slog.Bool("softCloseExtended", extended))

	if e.options.onBidAccepted != nil {
		e.options.onBidAccepted(auctionCopy, bidCopy)
	}
	return bidCopy, nil
}
