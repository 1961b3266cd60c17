//go:generate mockgen -package=stream -destination=mock.go -source=interfaces.go

package stream

import (
	"context"
)

// IPublisher 定義了 Publisher 的操作介面
type IPublisher[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// ITailConsumer 定義了 TailConsumer 的操作介面
type ITailConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IWorkerConsumer 定義了 WorkerConsumer 的操作介面
type IWorkerConsumer[T any] interface {
	Start() error
	Subscribe() <-chan *Delivery[T]
	Close() error
}

// IAutoRenewMutex 定義了 AutoRenewMutex 的操作介面
type IAutoRenewMutex interface {
	Lock(ctx context.Context) (context.Context, error)
	Unlock() (bool, error)
	Valid() bool
}
