package sse_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gavel/adapters/sse"
)

func TestHubBroadcastToTopicSubscribersOnly(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := sse.NewHub[Message](nil)
	defer h.Close()

	goldCh, err := h.Subscribe("auction:gold")
	require.NoError(t, err)
	silverCh, err := h.Subscribe("auction:silver")
	require.NoError(t, err)

	go h.Broadcast("auction:gold", Message{Event: "bid", Data: "110000"})

	select {
	case msg := <-goldCh:
		assert.Equal(t, "bid", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive broadcast for its topic")
	}

	select {
	case msg := <-silverCh:
		t.Fatalf("unexpected message on other topic: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastWithoutSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := sse.NewHub[Message](nil)
	defer h.Close()

	// 沒有訂閱者時廣播不應該阻塞
	done := make(chan struct{})
	go func() {
		h.Broadcast("auction:empty", Message{Event: "bid"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast without subscribers blocked")
	}
}

func TestHubUnsubscribeReleasesIdleTopic(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := sse.NewHub[Message](nil)
	defer h.Close()

	ch, err := h.Subscribe("auction:gold")
	require.NoError(t, err)

	h.Unsubscribe("auction:gold", ch)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after unsubscribe")
	}

	// 主題已回收，對未知主題取消訂閱不應該panic
	h.Unsubscribe("auction:gold", ch)
}

func TestHubClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := sse.NewHub[Message](nil)

	ch, err := h.Subscribe("auction:gold")
	require.NoError(t, err)

	h.Close()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after hub close")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after hub close")
	}

	_, err = h.Subscribe("auction:gold")
	assert.Error(t, err)

	// 重複關閉不應該panic
	h.Close()
}
