package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
)

type tailOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
	fromStart    bool
	decodeFunc   func(map[string]any) (T, error)
}

type TailOption[T any] func(*tailOptions[T])

// WithTailLogger 設置日誌記錄器
func WithTailLogger[T any](logger *slog.Logger) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.logger = logger
	}
}

// WithTailBufferSize 設置下游channel的緩衝大小
func WithTailBufferSize[T any](size int) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.bufferSize = size
	}
}

// WithTailBlockTimeout 設置阻塞讀取超時時間
func WithTailBlockTimeout[T any](d time.Duration) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.blockTimeout = d
	}
}

// WithTailFromStart 設置從stream開頭讀取而不是只讀新訊息
func WithTailFromStart[T any](fromStart bool) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.fromStart = fromStart
	}
}

// WithTailDecodeFunc 設置自定義解碼函數
func WithTailDecodeFunc[T any](fn func(map[string]any) (T, error)) TailOption[T] {
	return func(o *tailOptions[T]) {
		o.decodeFunc = fn
	}
}

// TailConsumer 以XRead跟讀stream上的新事件，供SSE fan-out使用。
// 沒有consumer group也不做ack：SSE客戶端只關心現在發生的事，
// 漏掉的事件由HTTP查詢補齊。
type TailConsumer[T any] struct {
	client     *redis.Client
	stream     string
	lastID     string
	downStream chan T
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	logger     *slog.Logger
	options    tailOptions[T]
}

func NewTailConsumer[T any](client *redis.Client, streamName string, opts ...TailOption[T]) (ITailConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if streamName == "" {
		return nil, errors.New("stream cannot be empty")
	}

	// 默認選項
	options := tailOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
		decodeFunc:   DecodeEvent[T],
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	lastID := "$"
	if options.fromStart {
		lastID = "0"
	}

	return &TailConsumer[T]{
		client:  client,
		stream:  streamName,
		lastID:  lastID,
		closed:  true,
		logger:  options.logger.With(slog.String("caller", "TailConsumer"), slog.String("stream", streamName)),
		options: options,
	}, nil
}

func (s *TailConsumer[T]) Start() {
	if !s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.downStream = make(chan T, s.options.bufferSize)
	s.closed = false
	s.cancelFunc = cancel
	s.logger.Info("starting tail consumer")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("tail consumer goroutine stopped")
		defer close(s.downStream)

		for {
			select {
			case <-ctx.Done():
				return
			default:
				message, err := s.fetchNextMessage(ctx)
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) {
						return
					}
					s.logger.Error("fetch event error", slog.Any("error", err))
					continue
				}

				data, err := s.options.decodeFunc(message.Values)
				if err != nil {
					s.logger.Error("failed to decode event",
						slog.String("messageId", message.ID),
						slog.Any("error", err))
					continue
				}

				select {
				case <-ctx.Done():
					return
				case s.downStream <- data:
					s.logger.Debug("event sent to downstream",
						slog.String("messageId", message.ID))
				}
			}
		}
	}()
}

func (s *TailConsumer[T]) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   1,
		Block:   s.options.blockTimeout,
	}).Result()
	if err != nil {
		return redis.XMessage{}, err
	}

	if len(streams) > 0 && len(streams[0].Messages) > 0 {
		message := streams[0].Messages[0]
		s.lastID = message.ID
		s.logger.Debug("received event", slog.String("messageId", message.ID))
		return message, nil
	}
	return redis.XMessage{}, redis.Nil
}

// Subscribe 訂閱事件流
func (s *TailConsumer[T]) Subscribe() <-chan T {
	return s.downStream
}

// Close 關閉消費者
func (s *TailConsumer[T]) Close() {
	if s.closed {
		return
	}
	s.logger.Info("closing tail consumer")
	s.closed = true
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("tail consumer closed")
}
