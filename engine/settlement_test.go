package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gavel/models"
)

func TestSettleGates(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown auction", func(t *testing.T) {
		e := newTestEngine(newFakeProvider(), newFakeDecoder())
		_, err := e.Settle(ctx, uuid.New())
		var nerr *NotFoundError
		require.ErrorAs(t, err, &nerr)
	})

	t.Run("live auction cannot settle", func(t *testing.T) {
		e := newTestEngine(newFakeProvider(), newFakeDecoder())
		auction, err := e.CreateAuction(liveAuctionInput())
		require.NoError(t, err)

		_, err = e.Settle(ctx, auction.ID)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "while LIVE")
	})
}

func TestSettleUnsold(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	e := newTestEngine(provider, newFakeDecoder())

	// 所有出價都低於保留價200000
	auction := endedAuction(e, []models.Bid{
		{ReceiptID: receiptID(1), BidderPubkey: keyBidderA, Amount: 150000, PaidAmount: 150000},
		{ReceiptID: receiptID(2), BidderPubkey: keyBidderB, Amount: 120000, PaidAmount: 120000},
	})

	result, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, result.State)
	assert.False(t, result.ReserveMet)
	assert.False(t, result.AwaitingPayment)
	assert.Equal(t, "no bid met the reserve price", result.UnsoldReason)
	assert.Empty(t, provider.created)

	// 流標不是終態，重新結算得到相同結果
	again, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, result, again)
}

func TestSettleHappyPath(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()

	var settled []SettlementResult
	e := newTestEngine(provider, newFakeDecoder(), WithEngineSettleObserver(func(_ models.Auction, result SettlementResult) {
		settled = append(settled, result)
	}))
	auction := endedAuction(e, []models.Bid{
		{ReceiptID: receiptID(1), BidderPubkey: keyBidderA, Amount: 400000, PaidAmount: 400000},
	})

	result, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, result.State)
	assert.True(t, result.ReserveMet)
	assert.True(t, result.AwaitingPayment)
	assert.Equal(t, keyBidderA, result.WinnerPubkey)
	assert.Equal(t, uint64(400000), result.WinningBid)
	assert.Equal(t, "inv-1", result.SettlementInvoiceID)
	assert.Nil(t, result.SecondChanceOffer)

	// 重複結算是冪等的：不會再開第二張invoice
	again, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, result, again)
	assert.Len(t, provider.created, 1)

	assert.Equal(t, []uuid.UUID{auction.ID}, e.AuctionsWithOpenOffers())

	// 付款通知到達，拍賣收斂為SETTLED
	final, err := e.HandlePaymentReceived("inv-1")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, StateSettled, final.State)
	assert.Equal(t, keyBidderA, final.WinnerPubkey)
	assert.Equal(t, uint64(400000), final.WinningBid)
	require.NotNil(t, final.SettledAt)

	_, _, _, state, err := e.GetAuction(auction.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, state)
	assert.Empty(t, e.AuctionsWithOpenOffers())

	// 結算後的所有查詢路徑都回傳同一份儲存的結果
	stored, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, *final, stored)
	stored, err = e.ProcessSecondChance(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, *final, stored)

	require.Len(t, settled, 1)
	assert.Equal(t, *final, settled[0])
}

func TestSettleProviderFailure(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	provider.failCreate = true
	e := newTestEngine(provider, newFakeDecoder())
	auction := endedAuction(e, []models.Bid{
		{ReceiptID: receiptID(1), BidderPubkey: keyBidderA, Amount: 400000, PaidAmount: 400000},
	})

	_, err := e.Settle(ctx, auction.ID)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Empty(t, e.AuctionsWithOpenOffers())

	// 失敗不留下部分狀態，恢復後重試成功
	provider.failCreate = false
	result, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.True(t, result.AwaitingPayment)
	assert.Equal(t, keyBidderA, result.WinnerPubkey)
}

func TestSecondChanceWaterfall(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	// 付款期限設為0讓邀約立即逾期
	e := newTestEngine(provider, newFakeDecoder(), WithEngineSecondChanceTimeout(0))
	auction := endedAuction(e, []models.Bid{
		{ReceiptID: receiptID(1), BidderPubkey: keyBidderA, Amount: 400000, PaidAmount: 400000},
		{ReceiptID: receiptID(2), BidderPubkey: keyBidderB, Amount: 350000, PaidAmount: 350000},
		{ReceiptID: receiptID(3), BidderPubkey: keyBidderC, Amount: 150000, PaidAmount: 150000},
	})

	first, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, keyBidderA, first.WinnerPubkey)
	assert.Equal(t, "inv-1", first.SettlementInvoiceID)

	// 得標者未付款，邀約推進給次高出價者
	second, err := e.ProcessSecondChance(ctx, auction.ID)
	require.NoError(t, err)
	assert.True(t, second.AwaitingPayment)
	assert.Equal(t, keyBidderB, second.WinnerPubkey)
	assert.Equal(t, uint64(350000), second.WinningBid)
	assert.Equal(t, "inv-2", second.SettlementInvoiceID)
	require.NotNil(t, second.SecondChanceOffer)
	assert.Equal(t, keyBidderB, second.SecondChanceOffer.BidderPubkey)
	assert.Equal(t, "pending", second.SecondChanceOffer.Status)

	// 逾期邀約的遲到付款不會再影響結算
	late, err := e.HandlePaymentReceived("inv-1")
	require.NoError(t, err)
	assert.Nil(t, late)

	final, err := e.HandlePaymentReceived("inv-2")
	require.NoError(t, err)
	require.NotNil(t, final)
	assert.Equal(t, StateSettled, final.State)
	assert.Equal(t, keyBidderB, final.WinnerPubkey)
	assert.Equal(t, uint64(350000), final.WinningBid)
}

func TestSecondChancePaidViaPolling(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	e := newTestEngine(provider, newFakeDecoder(), WithEngineSecondChanceTimeout(0))
	auction := endedAuction(e, []models.Bid{
		{ReceiptID: receiptID(1), BidderPubkey: keyBidderA, Amount: 400000, PaidAmount: 400000},
	})

	_, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)

	// 付款已在Provider端完成但通知沒送達，輪詢路徑要能收斂到SETTLED
	provider.mu.Lock()
	provider.statuses["inv-1"] = InvoiceStatusPaid
	provider.mu.Unlock()

	result, err := e.ProcessSecondChance(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, result.State)
	assert.Equal(t, keyBidderA, result.WinnerPubkey)
}

func TestSecondChanceExhausted(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	e := newTestEngine(provider, newFakeDecoder(), WithEngineSecondChanceTimeout(0))
	auction := endedAuction(e, []models.Bid{
		{ReceiptID: receiptID(1), BidderPubkey: keyBidderA, Amount: 400000, PaidAmount: 400000},
		{ReceiptID: receiptID(2), BidderPubkey: keyBidderB, Amount: 150000, PaidAmount: 150000},
	})

	_, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)

	// 唯一達保留價的出價者未付款，瀑布流走完即流標
	result, err := e.ProcessSecondChance(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEnded, result.State)
	assert.False(t, result.ReserveMet)
	assert.Equal(t, "settlement offers exhausted", result.UnsoldReason)
	assert.Empty(t, e.AuctionsWithOpenOffers())

	_, err = e.ProcessSecondChance(ctx, auction.ID)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "no outstanding settlement offer")
}

func TestSecondChanceBeforeDeadline(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	e := newTestEngine(provider, newFakeDecoder(), WithEngineSecondChanceTimeout(48*time.Hour))
	auction := endedAuction(e, []models.Bid{
		{ReceiptID: receiptID(1), BidderPubkey: keyBidderA, Amount: 400000, PaidAmount: 400000},
		{ReceiptID: receiptID(2), BidderPubkey: keyBidderB, Amount: 350000, PaidAmount: 350000},
	})

	_, err := e.Settle(ctx, auction.ID)
	require.NoError(t, err)

	// 期限未到，重複輪詢是安全的no-op，不會推進瀑布流
	result, err := e.ProcessSecondChance(ctx, auction.ID)
	require.NoError(t, err)
	assert.True(t, result.AwaitingPayment)
	assert.Equal(t, keyBidderA, result.WinnerPubkey)
	assert.Len(t, provider.created, 1)
}

func TestHandlePaymentReceivedUnknownInvoice(t *testing.T) {
	e := newTestEngine(newFakeProvider(), newFakeDecoder())
	_, err := e.HandlePaymentReceived("inv-ghost")
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestRestoreReopensOffer(t *testing.T) {
	ctx := context.Background()
	provider := newFakeProvider()
	e := newTestEngine(provider, newFakeDecoder(), WithEngineSecondChanceTimeout(0))

	now := time.Now()
	auction := models.Auction{
		ID:               uuid.MustParse("f2b1c8aa-0000-4000-8000-000000000002"),
		ReferenceEventID: refEventID,
		Name:             "gold",
		AuctionPubkey:    keyAuction,
		StartingPrice:    100000,
		ReservePrice:     200000,
		StartsAt:         now.Add(-2 * time.Hour),
		EndsAt:           now.Add(-time.Hour),
	}
	bids := []models.Bid{
		{ID: bidID(receiptID(1), refEventID, 400000), AuctionID: auction.ID, ReceiptID: receiptID(1), BidderPubkey: keyBidderA, Amount: 400000, PaidAmount: 400000, PlacedAt: auction.EndsAt.Add(-time.Minute)},
		{ID: bidID(receiptID(2), refEventID, 350000), AuctionID: auction.ID, ReceiptID: receiptID(2), BidderPubkey: keyBidderB, Amount: 350000, PaidAmount: 350000, PlacedAt: auction.EndsAt.Add(-2 * time.Minute)},
	}
	invoices := []models.TrackedInvoice{{
		PaymentHash:  "aaaa",
		InvoiceID:    "inv-old",
		AuctionID:    auction.ID,
		BidderPubkey: keyBidderA,
		Amount:       400000,
		Kind:         models.InvoiceKindSettlement,
	}}
	invoices[0].CreatedAt = now.Add(-30 * time.Minute)
	provider.statuses["inv-old"] = InvoiceStatusPending
	e.Restore(auction, bids, invoices)

	// 重啟後未付款的邀約仍然有效，且逾期後推進時不會重複邀約原得標者
	assert.Equal(t, []uuid.UUID{auction.ID}, e.AuctionsWithOpenOffers())

	result, err := e.ProcessSecondChance(ctx, auction.ID)
	require.NoError(t, err)
	assert.True(t, result.AwaitingPayment)
	assert.Equal(t, keyBidderB, result.WinnerPubkey)
	assert.Equal(t, "inv-1", result.SettlementInvoiceID)
}
