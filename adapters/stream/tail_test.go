package stream

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewTailConsumer(t *testing.T) {
	tests := []struct {
		name    string
		client  *redis.Client
		stream  string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid configuration",
			client:  redis.NewClient(&redis.Options{}),
			stream:  "gavel:bids",
			wantErr: false,
		},
		{
			name:    "nil client",
			client:  nil,
			stream:  "gavel:bids",
			wantErr: true,
			errMsg:  "redis client cannot be nil",
		},
		{
			name:    "empty stream",
			client:  redis.NewClient(&redis.Options{}),
			stream:  "",
			wantErr: true,
			errMsg:  "stream cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			consumer, err := NewTailConsumer[BidEvent](tt.client, tt.stream)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.Nil(t, consumer)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, consumer)
			}

			if tt.client != nil {
				tt.client.Close()
			}
		})
	}
}

func TestTailConsumer_ReceivesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, mock, cleanup := setupTest(t)
	defer cleanup()

	event := sampleBidEvent()
	message, err := EncodeEvent(EventKindBid, event)
	require.NoError(t, err)

	mock.ExpectXRead(&redis.XReadArgs{
		Streams: []string{"gavel:bids", "$"},
		Count:   1,
		Block:   time.Second,
	}).SetVal([]redis.XStream{
		{
			Stream:   "gavel:bids",
			Messages: []redis.XMessage{{ID: "1234-0", Values: message}},
		},
	})

	consumer, err := NewTailConsumer[BidEvent](client, "gavel:bids")
	require.NoError(t, err)

	consumer.Start()
	defer consumer.Close()

	select {
	case received := <-consumer.Subscribe():
		assert.Equal(t, event.AuctionID, received.AuctionID)
		assert.Equal(t, event.Amount, received.Amount)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestTailConsumer_SkipsUndecodableEvents(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, mock, cleanup := setupTest(t)
	defer cleanup()

	event := sampleBidEvent()
	good, err := EncodeEvent(EventKindBid, event)
	require.NoError(t, err)

	mock.ExpectXRead(&redis.XReadArgs{
		Streams: []string{"gavel:bids", "$"},
		Count:   1,
		Block:   time.Second,
	}).SetVal([]redis.XStream{
		{
			Stream:   "gavel:bids",
			Messages: []redis.XMessage{{ID: "1234-0", Values: map[string]any{"data": "%%%"}}},
		},
	})
	mock.ExpectXRead(&redis.XReadArgs{
		Streams: []string{"gavel:bids", "1234-0"},
		Count:   1,
		Block:   time.Second,
	}).SetVal([]redis.XStream{
		{
			Stream:   "gavel:bids",
			Messages: []redis.XMessage{{ID: "1234-1", Values: good}},
		},
	})

	consumer, err := NewTailConsumer[BidEvent](client, "gavel:bids")
	require.NoError(t, err)

	consumer.Start()
	defer consumer.Close()

	// 壞的訊息被跳過，下一條正常訊息仍然送達
	select {
	case received := <-consumer.Subscribe():
		assert.Equal(t, event.BidID, received.BidID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestTailConsumer_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, _, cleanup := setupTest(t)
	defer cleanup()

	consumer, err := NewTailConsumer[BidEvent](client, "gavel:bids", WithTailFromStart[BidEvent](true))
	require.NoError(t, err)

	consumer.Start()
	consumer.Start() // no-op
	time.Sleep(50 * time.Millisecond)
	consumer.Close()
	consumer.Close() // no-op
}
