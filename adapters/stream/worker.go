package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Delivery 封裝一筆待處理的事件與ack所需資料。
// 處理成功呼叫Ack，不可重試的失敗呼叫Reject把事件移到dead-letter。
type Delivery[T any] struct {
	Data T

	client    *redis.Client
	done      bool
	messageID string
	stream    string
	group     string

	raw map[string]any
}

// Ack 確認事件已處理完成
func (d *Delivery[T]) Ack(ctx context.Context) error {
	const op = "Delivery.Ack"
	if d.done {
		return nil
	}
	if err := d.client.XAck(ctx, d.stream, d.group, d.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack delivery: %w", op, err)
	}
	d.done = true
	return nil
}

// Reject 將事件連同失敗原因移到dead-letter並確認原訊息
func (d *Delivery[T]) Reject(ctx context.Context, failErr error) error {
	const op = "Delivery.Reject"
	if d.done {
		return nil
	}

	d.raw["error"] = failErr.Error()
	err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream + ":dead-letter",
		Values: d.raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("[%s] failed to move delivery to dead letter queue: %w", op, err)
	}

	if err := d.client.XAck(ctx, d.stream, d.group, d.messageID).Err(); err != nil {
		return fmt.Errorf("[%s] failed to ack rejected delivery: %w", op, err)
	}
	d.done = true
	return nil
}

type workerOptions[T any] struct {
	logger         *slog.Logger
	decodeFunc     func(map[string]any) (T, error)
	bufferSize     int
	blockTimeout   time.Duration
	mutex          IAutoRenewMutex
	strictOrdering bool // 嚴格順序模式
}

type WorkerOption[T any] func(*workerOptions[T])

// WithWorkerLogger 設置日誌記錄器
func WithWorkerLogger[T any](logger *slog.Logger) WorkerOption[T] {
	return func(o *workerOptions[T]) {
		o.logger = logger
	}
}

// WithWorkerDecodeFunc 設置事件解碼函數
func WithWorkerDecodeFunc[T any](fn func(map[string]any) (T, error)) WorkerOption[T] {
	return func(o *workerOptions[T]) {
		o.decodeFunc = fn
	}
}

// WithWorkerBufferSize 設置下游channel的緩衝大小
func WithWorkerBufferSize[T any](size int) WorkerOption[T] {
	return func(o *workerOptions[T]) {
		o.bufferSize = size
	}
}

// WithWorkerBlockTimeout 設置阻塞讀取超時時間
func WithWorkerBlockTimeout[T any](d time.Duration) WorkerOption[T] {
	return func(o *workerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithWorkerMutex 注入mutex (主要用於測試)
func WithWorkerMutex[T any](mutex IAutoRenewMutex) WorkerOption[T] {
	return func(o *workerOptions[T]) {
		o.mutex = mutex
	}
}

// WithWorkerStrictOrdering 設置是否使用嚴格順序模式。
// 出價持久化必須開啟：同一場拍賣的出價順序決定同額先到先贏的結果，
// 多實例並發寫入會破壞這個順序。
func WithWorkerStrictOrdering[T any](strict bool) WorkerOption[T] {
	return func(o *workerOptions[T]) {
		o.strictOrdering = strict
	}
}

// WorkerConsumer 以consumer group消費stream事件，保證至少一次處理。
// 嚴格順序模式下整個group同一時間只有一個實例在消費(由分散式鎖保護)，
// 並會在接手時先重放pending的事件。
type WorkerConsumer[T any] struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	downStream    chan *Delivery[T]
	cancelFunc    context.CancelFunc
	wg            sync.WaitGroup
	closed        bool
	logger        *slog.Logger
	mutex         IAutoRenewMutex
	pendingMsgIds []string
	options       workerOptions[T]
}

func NewWorkerConsumer[T any](
	client *redis.Client,
	streamName, group, consumer string,
	opts ...WorkerOption[T],
) (IWorkerConsumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if streamName == "" || group == "" || consumer == "" {
		return nil, errors.New("stream, group and consumer cannot be empty")
	}

	// 默認選項
	options := workerOptions[T]{
		logger:         slog.Default(),
		decodeFunc:     DecodeEvent[T],
		bufferSize:     1,
		blockTimeout:   time.Second,
		strictOrdering: false,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	wc := &WorkerConsumer[T]{
		logger:   options.logger.With(slog.String("caller", "WorkerConsumer"), slog.String("stream", streamName), slog.String("group", group), slog.String("consumer", consumer)),
		client:   client,
		stream:   streamName,
		group:    group,
		consumer: consumer,
		closed:   true,
		options:  options,
	}

	// 只在嚴格順序模式下設置mutex
	if options.strictOrdering {
		if options.mutex != nil {
			wc.mutex = options.mutex
		} else {
			wc.mutex = NewAutoRenewMutex(client, fmt.Sprintf("lock:%s:%s", streamName, group), WithAutoRenewMutexSkipLockError(true))
		}
	}

	return wc, nil
}

func (s *WorkerConsumer[T]) Start() error {
	if !s.closed {
		return nil
	}
	// 冪等地建立消費者群組，stream不存在時一併建立，
	// 沒有這一步全新的redis上XREADGROUP會一直收到NOGROUP
	if err := s.client.XGroupCreateMkStream(context.Background(), s.stream, s.group, "0").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %q on stream %q: %w", s.group, s.stream, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.downStream = make(chan *Delivery[T], s.options.bufferSize)
	s.cancelFunc = cancel
	s.closed = false
	s.logger.Info("starting worker consumer")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.Info("worker consumer goroutine stopped")
		defer close(s.downStream)
		defer func() {
			if s.options.strictOrdering {
				s.mutex.Unlock()
			}
		}()

		for {
			workloadContext := ctx

			// 嚴格順序模式下先拿鎖，拿到鎖的實例才開始消費
			if s.options.strictOrdering {
				var err error
				// workloadContext會被換成帶鎖狀態的child context，可以接收到鎖的釋放信號
				workloadContext, err = s.mutex.Lock(ctx)
				if err != nil {
					s.logger.Error("failed to acquire lock", slog.Any("error", err))
					if errors.Is(err, context.Canceled) {
						break
					}
					continue
				}
			}
			if err := s.deliveriesWorkflow(workloadContext); err != nil {
				// 外部context取消才真正退出
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					break
				}
				if s.options.strictOrdering && errors.Is(err, context.Canceled) && ctx.Err() == nil {
					// 鎖的context取消，重新搶鎖後繼續
					s.logger.Error("lock context cancelled, stopping current processing, restarting worker consumer")
				} else {
					s.logger.Error("error processing deliveries, stopping current processing, restarting worker consumer", slog.Any("error", err))
				}
				continue
			}
		}
	}()

	return nil
}

// Subscribe 訂閱事件流，返回Delivery通道
func (s *WorkerConsumer[T]) Subscribe() <-chan *Delivery[T] {
	return s.downStream
}

func (s *WorkerConsumer[T]) Close() error {
	if s.closed {
		return nil
	}
	s.logger.Info("closing worker consumer")
	s.closed = true
	s.cancelFunc()

	s.wg.Wait()
	s.logger.Info("worker consumer closed gracefully")
	return nil
}

// deliveriesWorkflow 消費事件的工作流程
func (s *WorkerConsumer[T]) deliveriesWorkflow(ctx context.Context) error {
	if s.options.strictOrdering {
		// 接手group時先重放pending的事件，順序才不會出現空洞
		if err := s.fetchPendingMessageIds(ctx); err != nil {
			s.logger.Error("initial pending deliveries fetch failed", slog.Any("error", err))
			return err
		}
	}
	for {
		message, err := s.fetchNextMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.logger.Error("fetch delivery error", slog.Any("error", err))
			if errors.Is(err, context.Canceled) {
				return err
			}
			// 其他的錯誤一般是與redis之間的通訊異常，重試即可
			continue
		}
		data, err := s.options.decodeFunc(message.Values)
		if err != nil {
			// 解碼失敗不會因為重試就成功，先移到dead-letter，繼續處理下一條
			s.logger.Error("failed to decode delivery",
				slog.String("messageId", message.ID),
				slog.Any("error", err),
			)
			if deadLetterErr := s.moveToDeadLetter(ctx, message); deadLetterErr != nil {
				s.logger.Error("error moving delivery to dead letter",
					slog.String("messageId", message.ID),
					slog.Any("error", deadLetterErr),
				)
				// 移動失敗的訊息會以pending的形式留在stream中
				// WARN: 嚴格順序模式下會在下一輪開始時優先重放這種訊息，
				// 		 非嚴格順序模式下會一直pending，需要手動對stream處理
				return deadLetterErr
			}
			continue
		}
		delivery := &Delivery[T]{
			Data:      data,
			messageID: message.ID,
			stream:    s.stream,
			group:     s.group,
			client:    s.client,
			raw:       message.Values,
		}
		if err := s.moveToDownStream(ctx, delivery); err != nil {
			s.logger.Error("error moving delivery to downstream",
				slog.String("messageId", message.ID),
				slog.Any("error", err),
			)
			// 只可能是context.Canceled，訊息會以pending的形式留在stream中
			// WARN: 嚴格順序模式下會在下一輪開始時優先重放這種訊息，
			// 		 非嚴格順序模式下會一直pending，需要手動對stream處理
			return err
		}
	}
}

func (s *WorkerConsumer[T]) fetchPendingMessageIds(ctx context.Context) error {
	s.pendingMsgIds = make([]string, 0, 1000)
	lastId := "-"

	for {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.stream,
			Group:  s.group,
			Start:  lastId,
			End:    "+",
			Count:  100, // 每次獲取100條
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return fmt.Errorf("error getting pending deliveries: %w", err)
		}

		if len(pending) == 0 {
			break
		}

		for _, p := range pending {
			s.pendingMsgIds = append(s.pendingMsgIds, p.ID)
		}

		// 更新lastId為最後一條消息的ID
		lastId = pending[len(pending)-1].ID

		// 返回數量少於請求數量時表示已經讀完
		if len(pending) < 100 {
			break
		}
	}

	s.logger.Info("fetched all pending delivery IDs",
		slog.Int("count", len(s.pendingMsgIds)))
	return nil
}

func (s *WorkerConsumer[T]) fetchNextMessage(ctx context.Context) (redis.XMessage, error) {
	var message redis.XMessage
	var err error

	if len(s.pendingMsgIds) > 0 {
		// 重放pending的事件
		var messages []redis.XMessage
		messages, err = s.client.XRangeN(ctx, s.stream, s.pendingMsgIds[0], s.pendingMsgIds[0], 1).Result()
		s.pendingMsgIds = s.pendingMsgIds[1:]
		if len(messages) > 0 {
			message = messages[0]
		}
	} else {
		// 讀取新事件
		var streams []redis.XStream
		streams, err = s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    1,
			Block:    s.options.blockTimeout,
		}).Result()
		if len(streams) > 0 && len(streams[0].Messages) > 0 {
			message = streams[0].Messages[0]
		}
	}

	return message, err
}

func (s *WorkerConsumer[T]) moveToDeadLetter(ctx context.Context, message redis.XMessage) error {
	deadLetterStream := s.stream + ":dead-letter"

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deadLetterStream,
		Values: message.Values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to move delivery to dead letter queue: %w", err)
	}

	// 確認原消息
	return s.client.XAck(ctx, s.stream, s.group, message.ID).Err()
}

// moveToDownStream 處理發送事件到下游channel
func (s *WorkerConsumer[T]) moveToDownStream(ctx context.Context, delivery *Delivery[T]) error {
	if ctx.Err() != nil {
		return context.Canceled
	}
	select {
	case <-ctx.Done():
		return context.Canceled
	case s.downStream <- delivery:
		return nil
	}
}
