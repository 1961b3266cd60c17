package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"gavel/adapters/lightning"
	internalS3 "gavel/adapters/s3"
	"gavel/adapters/sse"
	"gavel/adapters/stream"
	"gavel/engine"
	"gavel/models"
)

// AuctionEvent 是SSE推送給訂閱者的事件，一場拍賣一個主題
type AuctionEvent struct {
	Kind       stream.EventKind        `json:"kind"`
	Bid        *stream.BidEvent        `json:"bid,omitempty"`
	Settlement *stream.SettlementEvent `json:"settlement,omitempty"`
}

type ServerImpl struct {
	engine      *engine.Engine
	db          *gorm.DB
	redisClient *redis.Client
	archive     *internalS3.ArchiveOperator
	provider    engine.PaymentProvider
	watcher     lightning.IPaymentWatcher
	htmlChecker *bluemonday.Policy

	hub                 sse.IHub[AuctionEvent]
	bidPublisher        stream.IPublisher[stream.BidEvent]
	settlementPublisher stream.IPublisher[stream.SettlementEvent]
	bidTail             stream.ITailConsumer[stream.BidEvent]
	settlementTail      stream.ITailConsumer[stream.SettlementEvent]
	bidWorker           stream.IWorkerConsumer[stream.BidEvent]
	settlementWorker    stream.IWorkerConsumer[stream.SettlementEvent]

	wg         sync.WaitGroup
	cancelFunc context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	// 初始化S3客戶端
	s3Cfg, err := awsCfg.LoadDefaultConfig(
		context.Background(),
		awsCfg.WithBaseEndpoint(config.S3.Endpoint),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.S3.AccessKeyID, config.S3.SecretAccessKey, "")),
		awsCfg.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load AWS config, err=%w", op, err)
	}
	archive, err := internalS3.NewArchiveOperator(s3.NewFromConfig(s3Cfg), config.S3.Bucket, config.S3.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create archive operator, err=%w", op, err)
	}

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := db.AutoMigrate(&models.Auction{}, &models.Bid{}, &models.TrackedInvoice{}); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database schema, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化Payment Provider與invoice watcher
	provider, err := lightning.NewLNbitsClient(
		config.LNbits.BaseURL,
		config.LNbits.APIKey,
		lightning.WithLNbitsInvoiceExpiry(config.LNbits.InvoiceExpiry),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create LNbits client, err=%w", op, err)
	}
	watcher := lightning.NewPaymentWatcher(provider, lightning.WithWatcherPollInterval(config.LNbits.PollInterval))

	// 初始化stream publisher(跨實例廣播出價與結算事件)
	bidPublisher, err := stream.NewPublisher[stream.BidEvent](
		redisClient,
		config.Redis.StreamKeys.Bids,
		stream.EventKindBid,
		stream.WithPublisherMaxLen[stream.BidEvent](config.Redis.StreamMaxLen),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid publisher, err=%w", op, err)
	}
	settlementPublisher, err := stream.NewPublisher[stream.SettlementEvent](
		redisClient,
		config.Redis.StreamKeys.Settlements,
		stream.EventKindSettlement,
		stream.WithPublisherMaxLen[stream.SettlementEvent](config.Redis.StreamMaxLen),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement publisher, err=%w", op, err)
	}

	// 初始化tail consumer(SSE fan-out的事件來源)
	bidTail, err := stream.NewTailConsumer[stream.BidEvent](redisClient, config.Redis.StreamKeys.Bids)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid tail consumer, err=%w", op, err)
	}
	settlementTail, err := stream.NewTailConsumer[stream.SettlementEvent](redisClient, config.Redis.StreamKeys.Settlements)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement tail consumer, err=%w", op, err)
	}

	// 初始化worker consumer(把stream事件持久化回資料庫)
	// 出價必須嚴格照接受順序寫入，結算事件冪等所以用一般模式
	bidWorker, err := stream.NewWorkerConsumer[stream.BidEvent](
		redisClient,
		config.Redis.StreamKeys.Bids,
		config.Redis.ConsumerGroup,
		config.ID,
		stream.WithWorkerStrictOrdering[stream.BidEvent](true),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create bid worker consumer, err=%w", op, err)
	}
	settlementWorker, err := stream.NewWorkerConsumer[stream.SettlementEvent](
		redisClient,
		config.Redis.StreamKeys.Settlements,
		config.Redis.ConsumerGroup,
		config.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create settlement worker consumer, err=%w", op, err)
	}

	impl := &ServerImpl{
		db:                  db,
		redisClient:         redisClient,
		archive:             archive,
		provider:            provider,
		watcher:             watcher,
		htmlChecker:         bluemonday.UGCPolicy(),
		hub:                 sse.NewHub[AuctionEvent](slog.Default()),
		bidPublisher:        bidPublisher,
		settlementPublisher: settlementPublisher,
		bidTail:             bidTail,
		settlementTail:      settlementTail,
		bidWorker:           bidWorker,
		settlementWorker:    settlementWorker,
		config:              config,
	}

	impl.engine = engine.New(
		provider,
		lightning.NewBolt11Decoder(),
		engine.WithEngineSoftClose(config.Engine.SoftCloseWindow, config.Engine.SoftCloseExtension),
		engine.WithEngineSecondChanceTimeout(config.Engine.SecondChanceTimeout),
		engine.WithEngineBidObserver(impl.publishBidEvent),
		engine.WithEngineSettleObserver(impl.publishSettlementEvent),
	)

	if err := impl.restoreFromDatabase(); err != nil {
		return nil, fmt.Errorf("[%s] Fail to restore engine state, err=%w", op, err)
	}

	return impl, nil
}

// restoreFromDatabase 在啟動時把持久化的拍賣狀態載回引擎，
// 未付款的invoice重新交給watcher追蹤，讓結算在重啟後繼續推進。
func (impl *ServerImpl) restoreFromDatabase() error {
	var auctions []models.Auction
	if result := impl.db.Preload("BidRecords").Find(&auctions); result.Error != nil {
		return fmt.Errorf("fail to load auctions, err=%w", result.Error)
	}
	var invoices []models.TrackedInvoice
	if result := impl.db.Find(&invoices); result.Error != nil {
		return fmt.Errorf("fail to load tracked invoices, err=%w", result.Error)
	}
	invoicesByAuction := make(map[uuid.UUID][]models.TrackedInvoice)
	for _, inv := range invoices {
		invoicesByAuction[inv.AuctionID] = append(invoicesByAuction[inv.AuctionID], inv)
		if !inv.Paid {
			impl.watcher.Watch(inv.InvoiceID)
		}
	}
	for _, auction := range auctions {
		impl.engine.Restore(auction, auction.BidRecords, invoicesByAuction[auction.ID])
	}
	slog.Info("engine state restored", slog.Int("auctions", len(auctions)), slog.Int("invoices", len(invoices)))
	return nil
}

// publishBidEvent 是引擎的bid observer：把接受的出價廣播到redis stream。
// SSE fan-out與持久化worker都從stream消費，本機不走捷徑，
// 所有實例看到的事件順序才會一致。
func (impl *ServerImpl) publishBidEvent(auction models.Auction, bid models.Bid) {
	event := stream.BidEvent{
		AuctionID:    auction.ID.String(),
		BidID:        bid.ID.String(),
		ReceiptID:    bid.ReceiptID,
		BidderPubkey: bid.BidderPubkey,
		Amount:       bid.Amount,
		PaidAmount:   bid.PaidAmount,
		Memo:         bid.Memo,
		PlacedAt:     bid.PlacedAt,
		EndsAt:       auction.EndsAt,
	}
	if err := impl.bidPublisher.Publish(event); err != nil {
		slog.Error("Fail to publish bid event", slog.String("auctionID", event.AuctionID), slog.Any("error", err))
	}
}

// publishSettlementEvent 是引擎的settle observer：廣播結算結果並歸檔到S3。
func (impl *ServerImpl) publishSettlementEvent(auction models.Auction, result engine.SettlementResult) {
	event := stream.SettlementEvent{
		AuctionID:    auction.ID.String(),
		State:        string(result.State),
		WinnerPubkey: result.WinnerPubkey,
		WinningBid:   result.WinningBid,
		UnsoldReason: result.UnsoldReason,
		SettledAt:    result.SettledAt,
	}
	if err := impl.settlementPublisher.Publish(event); err != nil {
		slog.Error("Fail to publish settlement event", slog.String("auctionID", event.AuctionID), slog.Any("error", err))
	}

	impl.wg.Add(1)
	go func() {
		defer impl.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		url, err := impl.archive.StoreSettlementRecord(ctx, auction.ID, &result)
		if err != nil {
			slog.Error("Fail to archive settlement record", slog.String("auctionID", auction.ID.String()), slog.Any("error", err))
			return
		}
		slog.Info("settlement record archived", slog.String("auctionID", auction.ID.String()), slog.String("url", url))
	}()
}

func (impl *ServerImpl) Start() error {
	const op = "Start"

	impl.bidPublisher.Start()
	impl.settlementPublisher.Start()
	impl.bidTail.Start()
	impl.settlementTail.Start()
	impl.watcher.Start()
	if err := impl.bidWorker.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start bid worker, err=%w", op, err)
	}
	if err := impl.settlementWorker.Start(); err != nil {
		return fmt.Errorf("[%s] Fail to start settlement worker, err=%w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel

	impl.wg.Add(5)
	go impl.runBidFanOut(ctx)
	go impl.runSettlementFanOut(ctx)
	go impl.runBidSync(ctx)
	go impl.runSettlementSync(ctx)
	go impl.runPaymentPump(ctx)

	if impl.config.Engine.SecondChancePollInterval > 0 {
		impl.wg.Add(1)
		go impl.runSecondChancePoller(ctx)
	}
	return nil
}

func (impl *ServerImpl) Close() {
	if impl.cancelFunc != nil {
		impl.cancelFunc()
	}
	impl.watcher.Close()
	if err := impl.bidWorker.Close(); err != nil {
		slog.Error("Fail to close bid worker", slog.Any("error", err))
	}
	if err := impl.settlementWorker.Close(); err != nil {
		slog.Error("Fail to close settlement worker", slog.Any("error", err))
	}
	impl.bidTail.Close()
	impl.settlementTail.Close()
	impl.wg.Wait()
	impl.bidPublisher.Close()
	impl.settlementPublisher.Close()
	impl.hub.Close()
	if err := impl.redisClient.Close(); err != nil {
		slog.Error("Fail to close redis client", slog.Any("error", err))
	}
}

// runBidFanOut 把stream上的出價事件轉發給本機的SSE訂閱者
func (impl *ServerImpl) runBidFanOut(ctx context.Context) {
	defer impl.wg.Done()
	ch := impl.bidTail.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			impl.hub.Broadcast(event.AuctionID, AuctionEvent{Kind: stream.EventKindBid, Bid: &event})
		}
	}
}

// runSettlementFanOut 把stream上的結算事件轉發給本機的SSE訂閱者
func (impl *ServerImpl) runSettlementFanOut(ctx context.Context) {
	defer impl.wg.Done()
	ch := impl.settlementTail.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			impl.hub.Broadcast(event.AuctionID, AuctionEvent{Kind: stream.EventKindSettlement, Settlement: &event})
		}
	}
}

// runBidSync 把stream上的出價事件持久化到資料庫。
// 出價一旦寫入就不再修改，(auction_id, receipt_id)的唯一索引
// 讓at-least-once投遞下的重複事件自然變成no-op。
func (impl *ServerImpl) runBidSync(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "BidSync"))
	defer impl.wg.Done()
	defer logger.Info("bid sync worker stopped")
	ch := impl.bidWorker.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handleErr := impl.syncBid(msg.Data)
			if handleErr != nil {
				logger.Error("Fail to synchronize bid", slog.Any("error", handleErr))
				if err := msg.Reject(ctx, handleErr); err != nil {
					logger.Error("Fail to reject delivery", slog.Any("error", err))
				}
				continue
			}
			if err := msg.Ack(ctx); err != nil {
				logger.Error("Sync success but fail to ack delivery", slog.Any("error", err))
			}
		}
	}
}

func (impl *ServerImpl) syncBid(event stream.BidEvent) error {
	auctionID, err := uuid.Parse(event.AuctionID)
	if err != nil {
		return fmt.Errorf("fail to parse auction id, err=%w", err)
	}
	bidID, err := uuid.Parse(event.BidID)
	if err != nil {
		return fmt.Errorf("fail to parse bid id, err=%w", err)
	}
	record := models.Bid{
		ID:           bidID,
		AuctionID:    auctionID,
		ReceiptID:    event.ReceiptID,
		BidderPubkey: event.BidderPubkey,
		Amount:       event.Amount,
		PaidAmount:   event.PaidAmount,
		Memo:         event.Memo,
		PlacedAt:     event.PlacedAt,
	}
	if result := impl.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record); result.Error != nil {
		return fmt.Errorf("fail to create bid record, err=%w", result.Error)
	}
	// 反狙擊延長只會往後推，事件亂序重放也不會把結束時間拉回來
	if result := impl.db.Model(&models.Auction{}).
		Where("id = ? AND ends_at < ?", auctionID, event.EndsAt).
		Update("ends_at", event.EndsAt); result.Error != nil {
		return fmt.Errorf("fail to extend auction end time, err=%w", result.Error)
	}
	return nil
}

// runSettlementSync 把stream上的結算事件持久化到資料庫
func (impl *ServerImpl) runSettlementSync(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "SettlementSync"))
	defer impl.wg.Done()
	defer logger.Info("settlement sync worker stopped")
	ch := impl.settlementWorker.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			handleErr := impl.syncSettlement(msg.Data)
			if handleErr != nil {
				logger.Error("Fail to synchronize settlement", slog.Any("error", handleErr))
				if err := msg.Reject(ctx, handleErr); err != nil {
					logger.Error("Fail to reject delivery", slog.Any("error", err))
				}
				continue
			}
			if err := msg.Ack(ctx); err != nil {
				logger.Error("Sync success but fail to ack delivery", slog.Any("error", err))
			}
		}
	}
}

func (impl *ServerImpl) syncSettlement(event stream.SettlementEvent) error {
	auctionID, err := uuid.Parse(event.AuctionID)
	if err != nil {
		return fmt.Errorf("fail to parse auction id, err=%w", err)
	}
	updates := map[string]any{
		"settled_at":    event.SettledAt,
		"unsold_reason": event.UnsoldReason,
	}
	if event.WinnerPubkey != "" {
		updates["winner_pubkey"] = event.WinnerPubkey
		updates["winning_bid"] = event.WinningBid
	}
	if result := impl.db.Model(&models.Auction{}).Where("id = ?", auctionID).Updates(updates); result.Error != nil {
		return fmt.Errorf("fail to update auction settlement, err=%w", result.Error)
	}
	return nil
}

// runPaymentPump 把watcher的付款通知灌進引擎，
// 結算邀約的invoice付款後引擎會在這條路徑上完成結算。
func (impl *ServerImpl) runPaymentPump(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "PaymentPump"))
	defer impl.wg.Done()
	defer logger.Info("payment pump stopped")
	ch := impl.watcher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case notification, ok := <-ch:
			if !ok {
				return
			}
			if notification.Status != engine.InvoiceStatusPaid {
				continue
			}
			if err := impl.handleInvoicePaid(notification.InvoiceID); err != nil {
				logger.Error("Fail to handle payment notification", slog.String("invoiceID", notification.InvoiceID), slog.Any("error", err))
			}
		}
	}
}

// handleInvoicePaid 把付款事實同步進引擎與資料庫(兩邊都冪等)
func (impl *ServerImpl) handleInvoicePaid(invoiceID string) error {
	if _, err := impl.engine.HandlePaymentReceived(invoiceID); err != nil {
		var notFound *engine.NotFoundError
		if errors.As(err, &notFound) {
			slog.Warn("payment notification for unknown invoice", slog.String("invoiceID", invoiceID))
			return nil
		}
		return err
	}
	if result := impl.db.Model(&models.TrackedInvoice{}).
		Where("invoice_id = ?", invoiceID).
		Update("paid", true); result.Error != nil {
		return fmt.Errorf("fail to mark invoice paid, err=%w", result.Error)
	}
	return nil
}

// runSecondChancePoller 週期性推進所有未完成的結算邀約。
// 分散式鎖保證同一時間只有一個實例在推進瀑布流，
// 拿不到鎖就跳過這一輪(ProcessSecondChance本身是冪等的)。
func (impl *ServerImpl) runSecondChancePoller(ctx context.Context) {
	logger := slog.Default().With(slog.String("caller", "SecondChancePoller"))
	defer impl.wg.Done()
	defer logger.Info("second chance poller stopped")
	ticker := time.NewTicker(impl.config.Engine.SecondChancePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, auctionID := range impl.engine.AuctionsWithOpenOffers() {
				impl.pollSecondChance(ctx, logger, auctionID)
			}
		}
	}
}

func (impl *ServerImpl) pollSecondChance(ctx context.Context, logger *slog.Logger, auctionID uuid.UUID) {
	lockKey := fmt.Sprintf("%slock:second-chance:%s", impl.config.Redis.KeyPrefix, auctionID)
	dMutex := stream.NewAutoRenewMutex(impl.redisClient, lockKey, stream.WithAutoRenewMutexFailFast(true))
	lockCtx, err := dMutex.Lock(ctx)
	if err != nil {
		logger.Debug("skip second chance round, lock held elsewhere", slog.String("auctionID", auctionID.String()))
		return
	}
	defer func() {
		if _, err := dMutex.Unlock(); err != nil {
			logger.Warn("Fail to release second chance lock", slog.Any("error", err))
		}
	}()

	result, err := impl.engine.ProcessSecondChance(lockCtx, auctionID)
	if err != nil {
		logger.Error("Fail to process second chance", slog.String("auctionID", auctionID.String()), slog.Any("error", err))
		return
	}
	impl.persistOutstandingOffer(result)
}

// persistOutstandingOffer 把結算路徑新開立的invoice存進資料庫並交給watcher，
// 已經持久化過的invoice走upsert所以重複呼叫是安全的。
func (impl *ServerImpl) persistOutstandingOffer(result engine.SettlementResult) {
	if !result.AwaitingPayment || result.SettlementInvoiceID == "" {
		return
	}
	inv, ok := impl.engine.LookupInvoiceByID(result.SettlementInvoiceID)
	if !ok {
		slog.Warn("outstanding offer invoice missing from ledger", slog.String("invoiceID", result.SettlementInvoiceID))
		return
	}
	if dbResult := impl.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "payment_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"paid"}),
	}).Create(&inv); dbResult.Error != nil {
		slog.Error("Fail to persist settlement invoice", slog.String("invoiceID", inv.InvoiceID), slog.Any("error", dbResult.Error))
	}
	impl.watcher.Watch(inv.InvoiceID)
}
