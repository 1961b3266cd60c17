package stream

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
)

// EncodeEvent 將事件序列化成stream訊息：
// msgpack序列化後base64編碼，連同事件種類封裝成map。
func EncodeEvent[T any](kind EventKind, data T) (map[string]any, error) {
	// 指標類型會讓同一事件出現兩種編碼結果，直接拒絕
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	raw, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		"kind": string(kind),
		"data": base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// DecodeEvent 將stream訊息還原成事件
func DecodeEvent[T any](message map[string]any) (T, error) {
	var result T

	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}
	if len(message) == 0 {
		return result, nil
	}

	encoded, ok := message["data"].(string)
	if !ok {
		return result, fmt.Errorf("data field not found or invalid type")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return result, nil
}

// KindOf 取出stream訊息的事件種類，無法辨識時回傳空值
func KindOf(message map[string]any) EventKind {
	kind, ok := message["kind"].(string)
	if !ok {
		return ""
	}
	return EventKind(kind)
}
