package stream

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

func setupTest(t *testing.T) (*redis.Client, redismock.ClientMock, func()) {
	db, mock := redismock.NewClientMock()
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

// stubMutex 是測試用的IAutoRenewMutex替身
type stubMutex struct {
	mu      sync.Mutex
	lockErr error
	locks   int
	unlocks int
}

func (m *stubMutex) Lock(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	m.locks++
	return ctx, nil
}

func (m *stubMutex) Unlock() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unlocks++
	return true, nil
}

func (m *stubMutex) Valid() bool {
	return true
}

func sampleBidEvent() BidEvent {
	placedAt := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	return BidEvent{
		AuctionID:    "f2b1c8aa-0000-4000-8000-000000000001",
		BidID:        "9d2f8e3c-0000-4000-8000-000000000002",
		ReceiptID:    "receipt-1",
		BidderPubkey: "bidder-key",
		Amount:       250000,
		PaidAmount:   250000,
		PlacedAt:     placedAt,
		EndsAt:       placedAt.Add(time.Hour),
	}
}
