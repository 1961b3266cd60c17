package sse

import (
	"sync"
)

// subscriberBuffer 是每個訂閱者的事件緩衝量。
// 一場拍賣的事件流很稀疏(出價、結算、keepalive)，
// 16筆足以吸收結標前的出價高峰。
const subscriberBuffer = 16

// Channel 管理單一主題的所有訂閱者，並將訊息廣播給每一個訂閱者。
// 對gavel來說一個主題就是一場拍賣，訊息是該拍賣的出價與結算事件。
// 訂閱者的通道帶有緩衝，廣播不會被慢速客戶端卡住：
// 緩衝滿了就跳過那個訂閱者，漏掉的出價可由拍賣查詢端點補齊。
type Channel[T any] struct {
	subscribers map[<-chan T]chan<- T
	mu          sync.RWMutex
}

func NewChannel[T any]() IChannel[T] {
	return &Channel[T]{
		subscribers: make(map[<-chan T]chan<- T),
	}
}

// Subscribe 建立一個新的緩衝chan T，加入subscribers後回傳唯讀端給呼叫者。
func (c *Channel[T]) Subscribe() <-chan T {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan T, subscriberBuffer)
	c.subscribers[ch] = ch
	return ch
}

// Unsubscribe 從subscribers中移除指定的通道並關閉它。
func (c *Channel[T]) Unsubscribe(ch <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if writeCh, exists := c.subscribers[ch]; exists {
		delete(c.subscribers, ch)
		close(writeCh)
	}
}

// UnsubscribeAll 關閉所有訂閱者的通道並清空訂閱清單。
func (c *Channel[T]) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, writeCh := range c.subscribers {
		close(writeCh)
	}
	clear(c.subscribers)
}

// Broadcast 將訊息廣播給所有仍在訂閱清單中的通道。
// 緩衝已滿的訂閱者會被跳過，不會阻塞其他訂閱者。
func (c *Channel[T]) Broadcast(message T) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, writeCh := range c.subscribers {
		select {
		case writeCh <- message:
		default:
		}
	}
}

// IsIdle 判斷subscribers是否為空。
func (c *Channel[T]) IsIdle() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers) == 0
}
