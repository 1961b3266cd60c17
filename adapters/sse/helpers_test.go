package sse_test

import (
	"io"
	"log"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// Message 是測試用的SSE訊息
type Message struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}
