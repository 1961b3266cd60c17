package engine

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gavel/models"
)

type engineOptions struct {
	logger              *slog.Logger
	softCloseWindow     time.Duration
	softCloseExtension  time.Duration
	secondChanceTimeout time.Duration
	onBidAccepted       func(models.Auction, models.Bid)
	onSettled           func(models.Auction, SettlementResult)
}

type EngineOption func(*engineOptions)

// WithEngineLogger 設置日誌記錄器
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithEngineSoftClose 設置反狙擊的觸發窗口與延長時間
func WithEngineSoftClose(window, extension time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.softCloseWindow = window
		o.softCloseExtension = extension
	}
}

// WithEngineSecondChanceTimeout 設置結算邀約的付款期限
func WithEngineSecondChanceTimeout(d time.Duration) EngineOption {
	return func(o *engineOptions) {
		o.secondChanceTimeout = d
	}
}

// WithEngineBidObserver 設置出價被接受後的通知回呼(不持有拍賣鎖時呼叫)
func WithEngineBidObserver(fn func(models.Auction, models.Bid)) EngineOption {
	return func(o *engineOptions) {
		o.onBidAccepted = fn
	}
}

// WithEngineSettleObserver 設置拍賣完成結算後的通知回呼(不持有拍賣鎖時呼叫)
func WithEngineSettleObserver(fn func(models.Auction, SettlementResult)) EngineOption {
	return func(o *engineOptions) {
		o.onSettled = fn
	}
}

// Engine 是拍賣出價與結算引擎。
// 它是執行期的唯一權威狀態：registry持有拍賣與出價，
// ledger持有invoice追蹤帳本，持久化由外部透過observer驅動。
type Engine struct {
	registry *Registry
	ledger   *InvoiceLedger
	verifier *Verifier
	provider PaymentProvider
	logger   *slog.Logger
	options  engineOptions
}

func New(provider PaymentProvider, decoder InvoiceDecoder, opts ...EngineOption) *Engine {
	// 默認選項
	options := engineOptions{
		logger:              slog.Default(),
		softCloseWindow:     300 * time.Second,
		softCloseExtension:  600 * time.Second,
		secondChanceTimeout: 48 * time.Hour,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	ledger := NewInvoiceLedger()
	return &Engine{
		registry: NewRegistry(),
		ledger:   ledger,
		verifier: NewVerifier(decoder, ledger),
		provider: provider,
		logger:   options.logger.With(slog.String("caller", "Engine")),
		options:  options,
	}
}

// CreateAuction 驗證參數並註冊一場新拍賣。
func (e *Engine) CreateAuction(input CreateAuctionInput) (models.Auction, error) {
	if input.Name == "" {
		return models.Auction{}, newValidationError("auction name cannot be empty")
	}
	if !isIdentityKey(input.ReferenceEventID) {
		return models.Auction{}, newValidationError("reference event id must be a 64-char hex event id")
	}
	if !isIdentityKey(input.AuctionPubkey) {
		return models.Auction{}, newValidationError("auction identity key must be a 64-char hex key")
	}
	if input.StartingPrice == 0 {
		return models.Auction{}, newValidationError("starting price must be positive")
	}
	if input.ReservePrice < input.StartingPrice {
		return models.Auction{}, newValidationError("reserve price %d is below starting price %d", input.ReservePrice, input.StartingPrice)
	}
	if !input.EndsAt.After(input.StartsAt) {
		return models.Auction{}, newValidationError("auction must end after it starts")
	}

	auction := &models.Auction{
		ID:               uuid.New(),
		ReferenceEventID: input.ReferenceEventID,
		Name:             input.Name,
		Description:      input.Description,
		AuctionPubkey:    input.AuctionPubkey,
		StartingPrice:    input.StartingPrice,
		ReservePrice:     input.ReservePrice,
		StartsAt:         input.StartsAt,
		EndsAt:           input.EndsAt,
	}
	auction.CreatedAt = time.Now()
	if err := e.registry.Add(auction); err != nil {
		return models.Auction{}, err
	}
	e.logger.Info("auction created",
		slog.String("auctionID", auction.ID.String()),
		slog.String("name", auction.Name),
		slog.Uint64("startingPrice", auction.StartingPrice),
		slog.Uint64("reservePrice", auction.ReservePrice))
	return *auction, nil
}

// GetAuction 回傳拍賣快照、排序後的出價清單、最高出價與目前狀態。
func (e *Engine) GetAuction(id uuid.UUID) (models.Auction, []models.Bid, *models.Bid, State, error) {
	auction, bids, highest, err := e.registry.Get(id)
	if err != nil {
		return models.Auction{}, nil, nil, "", err
	}
	return auction, bids, highest, stateOf(&auction, time.Now()), nil
}

// ListActiveAuctions 回傳所有UPCOMING與LIVE的拍賣。
func (e *Engine) ListActiveAuctions() []models.Auction {
	return e.registry.ListActive(time.Now())
}

// TrackInvoice 由Payment Provider邊界寫入或更新invoice追蹤帳本。
func (e *Engine) TrackInvoice(inv models.TrackedInvoice) {
	e.ledger.Track(inv)
}

// LookupInvoice 依payment hash查詢追蹤帳本。
func (e *Engine) LookupInvoice(paymentHash string) (models.TrackedInvoice, bool) {
	return e.ledger.Lookup(paymentHash)
}

// LookupInvoiceByID 依Payment Provider的invoice id查詢追蹤帳本。
func (e *Engine) LookupInvoiceByID(invoiceID string) (models.TrackedInvoice, bool) {
	return e.ledger.LookupByInvoiceID(invoiceID)
}

// Restore 在重啟後載回一場持久化的拍賣。
// 未付款的settlement invoice會被還原成未完成的結算邀約，
// 讓第二次機會的計時在重啟後繼續生效。
func (e *Engine) Restore(auction models.Auction, bids []models.Bid, invoices []models.TrackedInvoice) {
	a := auction
	bidPtrs := make([]*models.Bid, len(bids))
	for i := range bids {
		bid := bids[i]
		bidPtrs[i] = &bid
	}

	var offer *SettlementOffer
	var offeredKeys []string
	for _, inv := range invoices {
		e.ledger.Track(inv)
		if inv.Kind != models.InvoiceKindSettlement {
			continue
		}
		offeredKeys = append(offeredKeys, inv.BidderPubkey)
		// 最後開立的未付款邀約就是目前待付款的那一個
		if !inv.Paid && a.SettledAt == nil && (offer == nil || inv.CreatedAt.After(offer.IssuedAt)) {
			offer = &SettlementOffer{
				BidderPubkey: inv.BidderPubkey,
				Amount:       inv.Amount,
				InvoiceID:    inv.InvoiceID,
				PaymentHash:  inv.PaymentHash,
				IssuedAt:     inv.CreatedAt,
			}
		}
	}
	e.registry.Restore(&a, bidPtrs, offer, offeredKeys)
	e.logger.Info("auction restored",
		slog.String("auctionID", a.ID.String()),
		slog.Int("bids", len(bids)),
		slog.Bool("openOffer", offer != nil))
}

// AuctionsWithOpenOffers 回傳所有還有未完成結算邀約的拍賣ID，
// 供排程的輪詢使用(重複呼叫ProcessSecondChance是安全的)。
func (e *Engine) AuctionsWithOpenOffers() []uuid.UUID {
	e.registry.mu.RLock()
	entries := make([]*auctionEntry, 0, len(e.registry.entries))
	for _, entry := range e.registry.entries {
		entries = append(entries, entry)
	}
	e.registry.mu.RUnlock()

	var ids []uuid.UUID
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.offer != nil && entry.auction.SettledAt == nil {
			ids = append(ids, entry.auction.ID)
		}
		entry.mu.Unlock()
	}
	return ids
}
