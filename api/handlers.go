package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"

	"gavel/adapters/lightning"
	"gavel/adapters/nostrkit"
	"gavel/engine"
	"gavel/models"
)

// RegisterRoutes 掛載所有HTTP端點。
// 管理操作(建立拍賣、觸發結算)需要operator JWT，
// 查詢、出價與SSE訂閱是公開的。
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	router.POST("/auction/item", impl.operatorAuth(), impl.postAuctionItem)
	router.GET("/auction/items", impl.getAuctionItems)
	router.GET("/auction/item/:itemID", impl.getAuctionItem)
	router.POST("/auction/item/:itemID/bids", impl.postAuctionItemBids)
	router.POST("/auction/item/:itemID/invoice", impl.postAuctionItemInvoice)
	router.POST("/auction/item/:itemID/settle", impl.operatorAuth(), impl.postAuctionItemSettle)
	router.POST("/auction/item/:itemID/second-chance", impl.operatorAuth(), impl.postAuctionItemSecondChance)
	router.GET("/auction/item/:itemID/events", impl.getAuctionItemEvents)
	router.POST("/payments/callback", impl.postPaymentCallback)
}

// writeEngineError 把引擎的錯誤分類映射成HTTP狀態碼
func writeEngineError(c *gin.Context, err error) {
	var (
		validationErr *engine.ValidationError
		paymentErr    *engine.PaymentVerificationError
		notFoundErr   *engine.NotFoundError
		providerErr   *engine.ProviderError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"message": validationErr.Reason})
	case errors.As(err, &paymentErr):
		c.JSON(http.StatusPaymentRequired, gin.H{"message": paymentErr.Reason})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"message": notFoundErr.Error()})
	case errors.As(err, &providerErr):
		slog.Error("payment provider failure", slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{"message": "payment provider unavailable"})
	default:
		slog.Error("unexpected handler failure", slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
	}
}

type createAuctionRequest struct {
	Name          string    `json:"name" binding:"required"`
	Description   string    `json:"description"`
	AuctionPubkey string    `json:"auctionPubkey" binding:"required"`
	StartingPrice uint64    `json:"startingPrice" binding:"required"`
	ReservePrice  uint64    `json:"reservePrice" binding:"required"`
	StartsAt      time.Time `json:"startsAt"`
	EndsAt        time.Time `json:"endsAt" binding:"required"`
}

type auctionView struct {
	ID               uuid.UUID    `json:"id"`
	ReferenceEventID string       `json:"referenceEventId"`
	Name             string       `json:"name"`
	Description      string       `json:"description"`
	AuctionPubkey    string       `json:"auctionPubkey"`
	StartingPrice    uint64       `json:"startingPrice"`
	ReservePrice     uint64       `json:"reservePrice"`
	StartsAt         time.Time    `json:"startsAt"`
	EndsAt           time.Time    `json:"endsAt"`
	State            engine.State `json:"state"`
	SettledAt        *time.Time   `json:"settledAt,omitempty"`
	WinnerPubkey     *string      `json:"winnerPubkey,omitempty"`
	WinningBid       *uint64      `json:"winningBid,omitempty"`
}

func newAuctionView(auction models.Auction, state engine.State) auctionView {
	return auctionView{
		ID:               auction.ID,
		ReferenceEventID: auction.ReferenceEventID,
		Name:             auction.Name,
		Description:      auction.Description,
		AuctionPubkey:    auction.AuctionPubkey,
		StartingPrice:    auction.StartingPrice,
		ReservePrice:     auction.ReservePrice,
		StartsAt:         auction.StartsAt,
		EndsAt:           auction.EndsAt,
		State:            state,
		SettledAt:        auction.SettledAt,
		WinnerPubkey:     auction.WinnerPubkey,
		WinningBid:       auction.WinningBid,
	}
}

type bidView struct {
	ID           uuid.UUID `json:"id"`
	ReceiptID    string    `json:"receiptId"`
	BidderPubkey string    `json:"bidderPubkey"`
	Amount       uint64    `json:"amount"`
	PaidAmount   uint64    `json:"paidAmount"`
	Memo         string    `json:"memo,omitempty"`
	PlacedAt     time.Time `json:"placedAt"`
}

func newBidView(bid models.Bid) bidView {
	return bidView{
		ID:           bid.ID,
		ReceiptID:    bid.ReceiptID,
		BidderPubkey: bid.BidderPubkey,
		Amount:       bid.Amount,
		PaidAmount:   bid.PaidAmount,
		Memo:         bid.Memo,
		PlacedAt:     bid.PlacedAt,
	}
}

// postAuctionItem 建立新拍賣。
// 以拍賣金鑰產生未簽名的listing事件範本，其事件ID就是
// 這場拍賣的錨點；operator簽名後發佈的listing必須保持同一個ID。
func (impl *ServerImpl) postAuctionItem(c *gin.Context) {
	const op = "postAuctionItem"
	var request createAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if request.StartsAt.IsZero() {
		request.StartsAt = time.Now()
	}
	request.Description = impl.htmlChecker.Sanitize(request.Description)

	auctionPubkey, err := nostrkit.NormalizePubkey(request.AuctionPubkey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid auction identity key"})
		return
	}
	template, err := nostrkit.BuildListingTemplate(nostrkit.ListingInput{
		Name:          request.Name,
		Description:   request.Description,
		AuctionPubkey: auctionPubkey,
		StartingPrice: request.StartingPrice,
		StartsAt:      nostr.Timestamp(request.StartsAt.Unix()),
		EndsAt:        nostr.Timestamp(request.EndsAt.Unix()),
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	auction, err := impl.engine.CreateAuction(engine.CreateAuctionInput{
		Name:             request.Name,
		Description:      request.Description,
		ReferenceEventID: template.ID,
		AuctionPubkey:    auctionPubkey,
		StartingPrice:    request.StartingPrice,
		ReservePrice:     request.ReservePrice,
		StartsAt:         request.StartsAt,
		EndsAt:           request.EndsAt,
	})
	if err != nil {
		writeEngineError(c, err)
		return
	}
	if result := impl.db.Create(&auction); result.Error != nil {
		slog.Error("Fail to persist auction", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"auction":         newAuctionView(auction, engine.StateUpcoming),
		"listingTemplate": template,
	})
}

// getAuctionItems 列出所有UPCOMING與LIVE的拍賣
func (impl *ServerImpl) getAuctionItems(c *gin.Context) {
	now := time.Now()
	auctions := impl.engine.ListActiveAuctions()
	items := lo.Map(auctions, func(auction models.Auction, _ int) auctionView {
		state := engine.StateLive
		if now.Before(auction.StartsAt) {
			state = engine.StateUpcoming
		}
		return newAuctionView(auction, state)
	})
	c.JSON(http.StatusOK, gin.H{
		"count": len(items),
		"items": items,
	})
}

// getAuctionItem 回傳拍賣詳情、排序後的出價清單與最高出價
func (impl *ServerImpl) getAuctionItem(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid auction id"})
		return
	}
	auction, bids, highest, state, err := impl.engine.GetAuction(auctionID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	response := gin.H{
		"auction": newAuctionView(auction, state),
		"bids":    lo.Map(bids, func(bid models.Bid, _ int) bidView { return newBidView(bid) }),
	}
	if highest != nil {
		response["highestBid"] = newBidView(*highest)
	}
	c.JSON(http.StatusOK, response)
}

// postAuctionItemBids 用一個簽名的付款收據事件對拍賣出價。
// 同一張收據重複提交會冪等地回傳既有的出價。
func (impl *ServerImpl) postAuctionItemBids(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid auction id"})
		return
	}
	var receipt nostr.Event
	if err := c.ShouldBindJSON(&receipt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	bid, err := impl.engine.SubmitBid(c.Request.Context(), auctionID, &receipt)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newBidView(bid))
}

type bidInvoiceRequest struct {
	BidderPubkey string `json:"bidderPubkey" binding:"required"`
	Amount       uint64 `json:"amount" binding:"required"`
}

// postAuctionItemInvoice 為準出價者開立一張bid invoice並寫入追蹤帳本。
// 付款確認後(watcher輪詢或webhook)，出價者提交的收據就算沒帶preimage
// 也能通過帳本路徑的支付驗證。
func (impl *ServerImpl) postAuctionItemInvoice(c *gin.Context) {
	const op = "postAuctionItemInvoice"
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid auction id"})
		return
	}
	var request bidInvoiceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	bidderPubkey, err := nostrkit.NormalizePubkey(request.BidderPubkey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid bidder identity key"})
		return
	}
	auction, _, _, state, err := impl.engine.GetAuction(auctionID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	if state == engine.StateEnded || state == engine.StateSettled {
		c.JSON(http.StatusGone, gin.H{"message": "auction has ended"})
		return
	}

	invoice, err := impl.provider.CreateInvoice(c.Request.Context(), request.Amount,
		fmt.Sprintf("bid on auction %q", auction.Name),
		map[string]string{"auctionId": auctionID.String(), "bidder": bidderPubkey})
	if err != nil {
		writeEngineError(c, &engine.ProviderError{Op: op, Err: err})
		return
	}
	tracked := models.TrackedInvoice{
		PaymentHash:  invoice.PaymentHash,
		InvoiceID:    invoice.ID,
		AuctionID:    auctionID,
		BidderPubkey: bidderPubkey,
		Amount:       request.Amount,
		Bolt11:       invoice.Bolt11,
		Kind:         models.InvoiceKindBid,
	}
	impl.engine.TrackInvoice(tracked)
	if result := impl.db.Create(&tracked); result.Error != nil {
		slog.Error("Fail to persist bid invoice", slog.String("op", op), slog.Any("error", result.Error))
		c.Status(http.StatusInternalServerError)
		return
	}
	impl.watcher.Watch(invoice.ID)
	c.JSON(http.StatusCreated, gin.H{
		"invoiceId":   invoice.ID,
		"paymentHash": invoice.PaymentHash,
		"bolt11":      invoice.Bolt11,
		"expiresAt":   invoice.ExpiresAt,
	})
}

// postAuctionItemSettle 觸發結算：決定得標者並開立結算invoice
func (impl *ServerImpl) postAuctionItemSettle(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid auction id"})
		return
	}
	result, err := impl.engine.Settle(c.Request.Context(), auctionID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	impl.persistOutstandingOffer(result)
	impl.persistUnsoldReason(result)
	c.JSON(http.StatusOK, result)
}

// postAuctionItemSecondChance 手動推進第二次機會瀑布流
// (排程的poller會自動做同一件事，這個端點讓operator能立即觸發)
func (impl *ServerImpl) postAuctionItemSecondChance(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid auction id"})
		return
	}
	result, err := impl.engine.ProcessSecondChance(c.Request.Context(), auctionID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	impl.persistOutstandingOffer(result)
	impl.persistUnsoldReason(result)
	c.JSON(http.StatusOK, result)
}

// persistUnsoldReason 把流標結論寫回資料庫(stream事件只在付款完成時發佈)
func (impl *ServerImpl) persistUnsoldReason(result engine.SettlementResult) {
	if result.AwaitingPayment || result.UnsoldReason == "" {
		return
	}
	if dbResult := impl.db.Model(&models.Auction{}).
		Where("id = ?", result.AuctionID).
		Update("unsold_reason", result.UnsoldReason); dbResult.Error != nil {
		slog.Error("Fail to persist unsold reason", slog.String("auctionID", result.AuctionID.String()), slog.Any("error", dbResult.Error))
	}
}

type paymentCallbackRequest struct {
	PaymentHash string `json:"payment_hash" binding:"required"`
}

// postPaymentCallback 接收Payment Provider的webhook通知。
// LNbits的invoice id就是payment hash的小寫形式；
// watcher的輪詢和這個callback都會走進同一條冪等的付款路徑。
func (impl *ServerImpl) postPaymentCallback(c *gin.Context) {
	var request paymentCallbackRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := impl.handleInvoicePaid(lightning.InvoiceIDFromPaymentHash(request.PaymentHash)); err != nil {
		slog.Error("Fail to handle payment callback", slog.Any("error", err))
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}

// getAuctionItemEvents 以SSE串流推送拍賣的出價與結算事件
func (impl *ServerImpl) getAuctionItemEvents(c *gin.Context) {
	auctionID, err := uuid.Parse(c.Param("itemID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid auction id"})
		return
	}
	auction, _, _, state, err := impl.engine.GetAuction(auctionID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	// 開始前5分鐘開放連線，結算完成後不再提供串流
	if time.Now().Before(auction.StartsAt.Add(-5 * time.Minute)) {
		c.JSON(http.StatusForbidden, gin.H{"message": "Auction has not started"})
		return
	}
	if state == engine.StateSettled {
		c.JSON(http.StatusGone, gin.H{"message": "Auction has been settled"})
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.hub.Subscribe(auctionID.String())
	if err != nil {
		writeEngineError(c, fmt.Errorf("fail to subscribe to auction events, err=%w", err))
		return
	}
LOOP:
	for {
		select {
		case <-w.CloseNotify():
			impl.hub.Unsubscribe(auctionID.String(), ch)
			break LOOP
		case event := <-ch:
			c.SSEvent(string(event.Kind), event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和Cloudflare不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}
