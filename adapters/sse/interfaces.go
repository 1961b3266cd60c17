//go:generate mockgen -package=sse -destination=mock.go -source=interfaces.go

package sse

// IChannel 定義了單一主題的訂閱與廣播介面
type IChannel[T any] interface {
	// Subscribe 建立一個新的訂閱並返回接收訊息的通道
	Subscribe() <-chan T
	// Unsubscribe 取消指定通道的訂閱
	Unsubscribe(ch <-chan T)
	// UnsubscribeAll 取消所有訂閱
	UnsubscribeAll()
	// Broadcast 將訊息廣播給所有訂閱者
	Broadcast(message T)
	// IsIdle 檢查是否沒有訂閱者
	IsIdle() bool
}

// IHub 定義了多主題SSE fan-out的介面。
// 跨實例的事件分發由stream adapter負責，Hub只處理行程內的廣播。
type IHub[T any] interface {
	// Subscribe 訂閱指定主題，返回接收訊息的通道
	Subscribe(topic string) (<-chan T, error)
	// Unsubscribe 取消訂閱指定主題
	Unsubscribe(topic string, ch <-chan T)
	// Broadcast 將訊息廣播給主題的所有訂閱者
	Broadcast(topic string, data T)
	// Close 關閉Hub並釋放所有訂閱
	Close()
}
