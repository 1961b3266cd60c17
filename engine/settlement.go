package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gavel/models"
)

const (
	unsoldNoQualifyingBid = "no bid met the reserve price"
	unsoldOffersExhausted = "settlement offers exhausted"
)

// Settle 決定得標者並對其開立結算invoice。
// 拍賣要等到invoice付款確認才會轉成SETTLED；已結算的拍賣
// 重複呼叫會回傳一模一樣的結果且沒有任何副作用。
func (e *Engine) Settle(ctx context.Context, auctionID uuid.UUID) (SettlementResult, error) {
	const op = "Settle"

	entry, ok := e.registry.entry(auctionID)
	if !ok {
		return SettlementResult{}, newAuctionNotFound(auctionID)
	}

	entry.mu.Lock()
	switch state := stateOf(entry.auction, time.Now()); state {
	case StateUpcoming, StateLive:
		entry.mu.Unlock()
		return SettlementResult{}, newValidationError("auction cannot be settled while %s", state)
	case StateSettled:
		result := settledResult(entry)
		entry.mu.Unlock()
		return result, nil
	}
	// 已有邀約在等待付款：冪等地回傳同一個等待結果，不再開立第二張invoice
	if entry.offer != nil {
		result := awaitingResult(entry)
		entry.mu.Unlock()
		return result, nil
	}
	if entry.settling {
		entry.mu.Unlock()
		return SettlementResult{}, newValidationError("settlement already in progress")
	}

	winner := entry.nextQualifying()
	if winner == nil {
		entry.auction.UnsoldReason = unsoldNoQualifyingBid
		result := unsoldResult(entry)
		entry.mu.Unlock()
		return result, nil
	}
	entry.settling = true
	winningBid := *winner
	auctionName := entry.auction.Name
	entry.mu.Unlock()

	return e.issueOffer(ctx, op, entry, auctionName, winningBid)
}

// issueOffer 對指定出價者開立結算invoice並記錄邀約。
// Payment Provider的網路呼叫在拍賣鎖之外進行；開立失敗時
// 不會留下任何邀約狀態，呼叫端可以重試。
func (e *Engine) issueOffer(ctx context.Context, op string, entry *auctionEntry, auctionName string, winner models.Bid) (SettlementResult, error) {
	memo := fmt.Sprintf("settlement for auction %q", auctionName)
	invoice, err := e.provider.CreateInvoice(ctx, winner.Amount, memo, map[string]string{
		"auctionId": winner.AuctionID.String(),
		"bidder":    winner.BidderPubkey,
	})
	if err != nil {
		entry.mu.Lock()
		entry.settling = false
		entry.mu.Unlock()
		return SettlementResult{}, &ProviderError{Op: op, Err: err}
	}

	e.ledger.Track(models.TrackedInvoice{
		PaymentHash:  invoice.PaymentHash,
		InvoiceID:    invoice.ID,
		AuctionID:    winner.AuctionID,
		BidderPubkey: winner.BidderPubkey,
		Amount:       winner.Amount,
		Bolt11:       invoice.Bolt11,
		Kind:         models.InvoiceKindSettlement,
	})

	entry.mu.Lock()
	entry.settling = false
	// 開立invoice期間拍賣可能已因先前邀約的遲到付款而完成結算
	if entry.auction.SettledAt != nil {
		result := settledResult(entry)
		entry.mu.Unlock()
		e.logger.Warn("auction settled while issuing offer, new invoice is orphaned",
			slog.String("auctionID", winner.AuctionID.String()),
			slog.String("invoiceID", invoice.ID))
		return result, nil
	}
	entry.offer = &SettlementOffer{
		BidderPubkey: winner.BidderPubkey,
		Amount:       winner.Amount,
		InvoiceID:    invoice.ID,
		PaymentHash:  invoice.PaymentHash,
		IssuedAt:     time.Now(),
	}
	entry.offered[winner.BidderPubkey] = true
	result := awaitingResult(entry)
	entry.mu.Unlock()

	e.logger.Info("settlement offer issued",
		slog.String("op", op),
		slog.String("auctionID", winner.AuctionID.String()),
		slog.String("bidder", winner.BidderPubkey),
		slog.Uint64("amount", winner.Amount),
		slog.String("invoiceID", invoice.ID))
	return result, nil
}

// ProcessSecondChance 檢查目前的結算邀約：
// 已付款就完成結算；付款期限未到就維持等待；
// 期限已過就把邀約推進給下一個符合資格的出價者。
// 這個操作設計成可以被排程重複呼叫(冪等)。
func (e *Engine) ProcessSecondChance(ctx context.Context, auctionID uuid.UUID) (SettlementResult, error) {
	const op = "ProcessSecondChance"

	entry, ok := e.registry.entry(auctionID)
	if !ok {
		return SettlementResult{}, newAuctionNotFound(auctionID)
	}

	entry.mu.Lock()
	if entry.auction.SettledAt != nil {
		result := settledResult(entry)
		entry.mu.Unlock()
		return result, nil
	}
	if entry.offer == nil {
		entry.mu.Unlock()
		return SettlementResult{}, newValidationError("auction has no outstanding settlement offer")
	}
	offer := *entry.offer
	auctionName := entry.auction.Name
	entry.mu.Unlock()

	// 先查帳本，沒有就向Provider輪詢一次(都不持有拍賣鎖)
	paid := false
	if inv, ok := e.ledger.Lookup(offer.PaymentHash); ok && inv.Paid {
		paid = true
	} else {
		status, err := e.provider.CheckInvoiceStatus(ctx, offer.InvoiceID)
		if err != nil {
			return SettlementResult{}, &ProviderError{Op: op, Err: err}
		}
		if status == InvoiceStatusPaid {
			e.ledger.MarkPaid(offer.PaymentHash)
			paid = true
		}
	}
	if paid {
		return e.finalizeIfPaid(entry, offer.PaymentHash)
	}

	// 期限未到：安全的no-op，維持等待
	if time.Since(offer.IssuedAt) < e.options.secondChanceTimeout {
		entry.mu.Lock()
		result := awaitingResult(entry)
		entry.mu.Unlock()
		return result, nil
	}

	// 期限已過：推進瀑布流
	entry.mu.Lock()
	if entry.offer == nil || entry.offer.InvoiceID != offer.InvoiceID {
		// 另一條路徑已經推進或完成了，回報目前狀態即可
		result := awaitingResult(entry)
		entry.mu.Unlock()
		return result, nil
	}
	if entry.settling {
		entry.mu.Unlock()
		return SettlementResult{}, newValidationError("settlement already in progress")
	}
	next := entry.nextQualifying()
	if next == nil {
		entry.offer = nil
		entry.auction.UnsoldReason = unsoldOffersExhausted
		result := unsoldResult(entry)
		entry.mu.Unlock()
		e.logger.Warn("settlement cascade exhausted", slog.String("auctionID", auctionID.String()))
		return result, nil
	}
	// 逾期的邀約先留在原位，等新invoice開立成功才被覆蓋；
	// 開立失敗時下一輪輪詢會再走到這裡重試
	entry.settling = true
	nextBid := *next
	entry.mu.Unlock()

	e.logger.Info("advancing settlement offer",
		slog.String("op", op),
		slog.String("auctionID", auctionID.String()),
		slog.String("defaulted", offer.BidderPubkey),
		slog.String("next", nextBid.BidderPubkey))
	return e.issueOffer(ctx, op, entry, auctionName, nextBid)
}

// HandlePaymentReceived 處理Payment Provider推送的付款通知。
// 對應到目前結算邀約的invoice會觸發結算完成；
// 一般出價invoice只更新帳本(讓之後重新提交的出價通過驗證)。
// 與超時輪詢路徑互相冪等，誰先到都收斂到同一個結果。
func (e *Engine) HandlePaymentReceived(invoiceID string) (*SettlementResult, error) {
	const op = "HandlePaymentReceived"

	inv, ok := e.ledger.MarkPaidByInvoiceID(invoiceID)
	if !ok {
		return nil, &NotFoundError{Resource: "invoice", ID: invoiceID}
	}
	e.logger.Info("invoice paid",
		slog.String("op", op),
		slog.String("invoiceID", invoiceID),
		slog.String("kind", inv.Kind))

	if inv.Kind != models.InvoiceKindSettlement {
		return nil, nil
	}
	entry, ok := e.registry.entry(inv.AuctionID)
	if !ok {
		return nil, nil
	}
	entry.mu.Lock()
	matches := entry.offer != nil && entry.offer.PaymentHash == inv.PaymentHash
	alreadySettled := entry.auction.SettledAt != nil
	entry.mu.Unlock()
	if !matches && !alreadySettled {
		return nil, nil
	}

	result, err := e.finalizeIfPaid(entry, inv.PaymentHash)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// finalizeIfPaid 是付款通知與超時輪詢共同收斂的唯一結算完成路徑。
// 重複呼叫只會回傳既有的結算結果。
func (e *Engine) finalizeIfPaid(entry *auctionEntry, paymentHash string) (SettlementResult, error) {
	entry.mu.Lock()

	if entry.auction.SettledAt != nil {
		result := settledResult(entry)
		entry.mu.Unlock()
		return result, nil
	}
	offer := entry.offer
	if offer == nil || offer.PaymentHash != paymentHash {
		result := awaitingResult(entry)
		entry.mu.Unlock()
		return result, nil
	}
	inv, ok := e.ledger.Lookup(paymentHash)
	if !ok || !inv.Paid {
		result := awaitingResult(entry)
		entry.mu.Unlock()
		return result, nil
	}

	now := time.Now()
	entry.auction.SettledAt = &now
	winner := offer.BidderPubkey
	amount := offer.Amount
	entry.auction.WinnerPubkey = &winner
	entry.auction.WinningBid = &amount
	entry.auction.UnsoldReason = ""
	entry.offer = nil
	auctionCopy := *entry.auction
	result := settledResult(entry)
	entry.mu.Unlock()

	e.logger.Info("auction settled",
		slog.String("auctionID", auctionCopy.ID.String()),
		slog.String("winner", winner),
		slog.Uint64("winningBid", amount))
	if e.options.onSettled != nil {
		e.options.onSettled(auctionCopy, result)
	}
	return result, nil
}

// settledResult 由儲存的終態組出結果，呼叫端必須持有entry的鎖。
func settledResult(entry *auctionEntry) SettlementResult {
	result := SettlementResult{
		AuctionID:  entry.auction.ID,
		State:      StateSettled,
		ReserveMet: true,
		SettledAt:  entry.auction.SettledAt,
	}
	if entry.auction.WinnerPubkey != nil {
		result.WinnerPubkey = *entry.auction.WinnerPubkey
	}
	if entry.auction.WinningBid != nil {
		result.WinningBid = *entry.auction.WinningBid
	}
	return result
}

// awaitingResult 回報等待付款中的邀約，呼叫端必須持有entry的鎖。
func awaitingResult(entry *auctionEntry) SettlementResult {
	result := SettlementResult{
		AuctionID:       entry.auction.ID,
		State:           StateEnded,
		ReserveMet:      true,
		AwaitingPayment: true,
	}
	if entry.offer != nil {
		result.WinnerPubkey = entry.offer.BidderPubkey
		result.WinningBid = entry.offer.Amount
		result.SettlementInvoiceID = entry.offer.InvoiceID
		// 第一個邀約之後的都是第二次機會邀約
		if len(entry.offered) > 1 {
			result.SecondChanceOffer = &SecondChanceStatus{
				BidderPubkey: entry.offer.BidderPubkey,
				Status:       "pending",
			}
		}
	}
	return result
}

// unsoldResult 回報流標結果，呼叫端必須持有entry的鎖。
// 流標不是終態：之後重新呼叫Settle會重新計算(結果相同)。
func unsoldResult(entry *auctionEntry) SettlementResult {
	return SettlementResult{
		AuctionID:    entry.auction.ID,
		State:        StateEnded,
		ReserveMet:   false,
		UnsoldReason: entry.auction.UnsoldReason,
	}
}
