package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

var (
	ErrPublisherClosed = errors.New("publisher is closed")
)

type publisherOptions[T any] struct {
	logger     *slog.Logger
	bufferSize int
	maxLen     int64
	encodeFunc func(T) (map[string]any, error)
}

type PublisherOption[T any] func(*publisherOptions[T])

// WithPublisherLogger 設置日誌記錄器
func WithPublisherLogger[T any](logger *slog.Logger) PublisherOption[T] {
	return func(o *publisherOptions[T]) {
		o.logger = logger
	}
}

// WithPublisherBufferSize 設置緩衝大小
func WithPublisherBufferSize[T any](size int) PublisherOption[T] {
	return func(o *publisherOptions[T]) {
		o.bufferSize = size
	}
}

// WithPublisherMaxLen 設置stream的近似長度上限，超過的舊訊息會被修剪
func WithPublisherMaxLen[T any](maxLen int64) PublisherOption[T] {
	return func(o *publisherOptions[T]) {
		o.maxLen = maxLen
	}
}

// WithPublisherEncodeFunc 設置事件編碼函數
func WithPublisherEncodeFunc[T any](fn func(T) (map[string]any, error)) PublisherOption[T] {
	return func(o *publisherOptions[T]) {
		o.encodeFunc = fn
	}
}

// Publisher 把事件非同步發佈到redis stream。
// Publish只負責把事件放進無上限的佇列，網路寫入由背景goroutine處理，
// 出價接受路徑不會被redis延遲拖慢。
type Publisher[T any] struct {
	client     *redis.Client
	stream     string
	upstream   *chanx.UnboundedChan[map[string]any]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    publisherOptions[T]
}

func NewPublisher[T any](client *redis.Client, streamName string, kind EventKind, opts ...PublisherOption[T]) (*Publisher[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if streamName == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := publisherOptions[T]{
		logger:     slog.Default(),
		bufferSize: 100,
		encodeFunc: func(data T) (map[string]any, error) {
			return EncodeEvent(kind, data)
		},
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Publisher[T]{
		client:  client,
		stream:  streamName,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "Publisher"), slog.String("stream", streamName)),
		options: options,
	}, nil
}

func (p *Publisher[T]) Start() {
	if !p.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[map[string]any](ctx, p.options.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info("starting stream publisher")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info("publisher goroutine stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case message := <-p.upstream.Out:
				id, err := p.client.XAdd(ctx, &redis.XAddArgs{
					Stream: p.stream,
					MaxLen: p.options.maxLen,
					Approx: p.options.maxLen > 0,
					Values: message,
				}).Result()

				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					p.logger.Error("publish event error", slog.Any("error", err))
					continue
				}

				p.logger.Debug("event published", slog.String("messageId", id))
			}
		}
	}()
}

func (p *Publisher[T]) Publish(data T) error {
	if p.closed {
		return ErrPublisherClosed
	}

	message, err := p.options.encodeFunc(data)
	if err != nil {
		return fmt.Errorf("encode event error: %w", err)
	}

	p.upstream.In <- message
	return nil
}

func (p *Publisher[T]) Close() {
	if p.closed {
		return
	}
	p.logger.Info("closing stream publisher")
	p.closed = true
	p.cancelFunc()
	p.wg.Wait()
	p.logger.Info("stream publisher closed")
}
