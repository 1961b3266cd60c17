//go:generate mockgen -package=lightning -destination=mock.go -source=watcher.go

package lightning

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smallnest/chanx"

	"gavel/engine"
)

// IPaymentWatcher 定義了 PaymentWatcher 的操作介面
type IPaymentWatcher interface {
	Start()
	Watch(invoiceID string)
	Subscribe() <-chan engine.PaymentNotification
	Close()
}

type watcherOptions struct {
	logger       *slog.Logger
	pollInterval time.Duration
	bufferSize   int
}

type WatcherOption func(*watcherOptions)

// WithWatcherLogger 設置日誌記錄器
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(o *watcherOptions) {
		o.logger = logger
	}
}

// WithWatcherPollInterval 設置輪詢間隔
func WithWatcherPollInterval(d time.Duration) WatcherOption {
	return func(o *watcherOptions) {
		o.pollInterval = d
	}
}

// WithWatcherBufferSize 設置緩衝大小
func WithWatcherBufferSize(size int) WatcherOption {
	return func(o *watcherOptions) {
		o.bufferSize = size
	}
}

// PaymentWatcher 輪詢Payment Provider並在invoice付款後推送通知。
// LNbits沒有可靠的webhook，輪詢是付款確認的主要路徑；
// 已確認付款的invoice會自動停止追蹤。
type PaymentWatcher struct {
	provider   engine.PaymentProvider
	mu         sync.Mutex
	watched    map[string]bool
	downstream *chanx.UnboundedChan[engine.PaymentNotification]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    watcherOptions
}

func NewPaymentWatcher(provider engine.PaymentProvider, opts ...WatcherOption) *PaymentWatcher {
	// 默認選項
	options := watcherOptions{
		logger:       slog.Default(),
		pollInterval: 10 * time.Second,
		bufferSize:   100,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &PaymentWatcher{
		provider: provider,
		watched:  make(map[string]bool),
		closed:   true,
		logger:   options.logger.With(slog.String("caller", "PaymentWatcher")),
		options:  options,
	}
}

func (w *PaymentWatcher) Start() {
	if !w.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.downstream = chanx.NewUnboundedChan[engine.PaymentNotification](ctx, w.options.bufferSize)
	w.cancelFunc = cancel
	w.closed = false
	w.logger.Info("starting payment watcher")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.logger.Info("payment watcher goroutine stopped")

		ticker := time.NewTicker(w.options.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll(ctx)
			}
		}
	}()
}

// Watch 將invoice加入追蹤清單，重複加入是冪等的。
func (w *PaymentWatcher) Watch(invoiceID string) {
	if invoiceID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[invoiceID] = true
}

func (w *PaymentWatcher) Subscribe() <-chan engine.PaymentNotification {
	return w.downstream.Out
}

func (w *PaymentWatcher) Close() {
	if w.closed {
		return
	}
	w.logger.Info("closing payment watcher")
	w.closed = true
	w.cancelFunc()
	w.wg.Wait()
	w.logger.Info("payment watcher closed")
}

func (w *PaymentWatcher) poll(ctx context.Context) {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watched))
	for id := range w.watched {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		status, err := w.provider.CheckInvoiceStatus(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("check invoice status error",
				slog.String("invoiceID", id),
				slog.Any("error", err))
			continue
		}
		if status != engine.InvoiceStatusPaid && status != engine.InvoiceStatusExpired {
			continue
		}

		w.mu.Lock()
		delete(w.watched, id)
		w.mu.Unlock()

		if status == engine.InvoiceStatusPaid {
			w.downstream.In <- engine.PaymentNotification{
				InvoiceID: id,
				Status:    status,
				PaidAt:    time.Now(),
			}
			w.logger.Info("invoice paid", slog.String("invoiceID", id))
		}
	}
}
