package sse

import (
	"context"
	"log/slog"
	"sync"
)

// hub 管理多個主題的SSE訂閱與廣播。
// 事件來源(引擎callback或stream consumer)呼叫Broadcast，
// 每個HTTP連線呼叫Subscribe取得自己的通道。
type hub[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex
	active bool
	topics map[string]IChannel[T]
}

func NewHub[T any](logger *slog.Logger) IHub[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &hub[T]{
		logger: logger.With(slog.String("caller", "Hub")),
		topics: make(map[string]IChannel[T]),
		active: true,
	}
}

// Subscribe 訂閱指定主題，主題不存在時會自動建立。
func (h *hub[T]) Subscribe(topic string) (<-chan T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return nil, context.Canceled
	}

	c, ok := h.topics[topic]
	if !ok {
		c = NewChannel[T]()
		h.topics[topic] = c
	}
	return c.Subscribe(), nil
}

// Unsubscribe 取消訂閱，最後一個訂閱者離開時回收主題。
func (h *hub[T]) Unsubscribe(topic string, ch <-chan T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.topics[topic]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(h.topics, topic)
	}
}

// Broadcast 將訊息廣播給主題的所有訂閱者，沒有訂閱者時是no-op。
func (h *hub[T]) Broadcast(topic string, data T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.active {
		return
	}
	if c, ok := h.topics[topic]; ok {
		c.Broadcast(data)
	}
}

// Close 關閉Hub並釋放所有訂閱。
func (h *hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return
	}

	h.active = false
	for _, c := range h.topics {
		c.UnsubscribeAll()
	}
	clear(h.topics)
	h.logger.Info("sse hub closed")
}
