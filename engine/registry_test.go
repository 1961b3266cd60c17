package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gavel/models"
)

func TestCreateAuctionValidation(t *testing.T) {
	e := newTestEngine(newFakeProvider(), newFakeDecoder())
	valid := liveAuctionInput()

	tests := []struct {
		name   string
		mutate func(*CreateAuctionInput)
		reason string
	}{
		{name: "empty name", mutate: func(in *CreateAuctionInput) { in.Name = "" }, reason: "name cannot be empty"},
		{name: "bad reference event", mutate: func(in *CreateAuctionInput) { in.ReferenceEventID = "xyz" }, reason: "reference event id"},
		{name: "bad auction key", mutate: func(in *CreateAuctionInput) { in.AuctionPubkey = "xyz" }, reason: "identity key"},
		{name: "zero starting price", mutate: func(in *CreateAuctionInput) { in.StartingPrice = 0 }, reason: "starting price"},
		{name: "reserve below starting", mutate: func(in *CreateAuctionInput) { in.ReservePrice = 50000 }, reason: "below starting price"},
		{name: "ends before starts", mutate: func(in *CreateAuctionInput) { in.EndsAt = in.StartsAt }, reason: "end after it starts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := valid
			tt.mutate(&input)
			_, err := e.CreateAuction(input)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reason, tt.reason)
		})
	}

	t.Run("valid input accepted", func(t *testing.T) {
		auction, err := e.CreateAuction(valid)
		require.NoError(t, err)
		assert.NotZero(t, auction.ID)
		assert.Equal(t, refEventID, auction.ReferenceEventID)
	})

	t.Run("duplicate reference event rejected", func(t *testing.T) {
		_, err := e.CreateAuction(valid)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Reason, "already anchors")
	})
}

func TestStateOf(t *testing.T) {
	now := time.Now()
	auction := models.Auction{
		StartsAt: now.Add(time.Hour),
		EndsAt:   now.Add(2 * time.Hour),
	}

	assert.Equal(t, StateUpcoming, stateOf(&auction, now))
	assert.Equal(t, StateLive, stateOf(&auction, auction.StartsAt))
	assert.Equal(t, StateLive, stateOf(&auction, auction.EndsAt))
	assert.Equal(t, StateEnded, stateOf(&auction, auction.EndsAt.Add(time.Second)))

	settledAt := now
	auction.SettledAt = &settledAt
	assert.Equal(t, StateSettled, stateOf(&auction, now))
}

func TestGetAuctionNotFound(t *testing.T) {
	e := newTestEngine(newFakeProvider(), newFakeDecoder())
	_, _, _, _, err := e.GetAuction(bidID("missing", refEventID, 1))
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestListActiveAuctions(t *testing.T) {
	e := newTestEngine(newFakeProvider(), newFakeDecoder())
	now := time.Now()

	later := liveAuctionInput()
	later.Name = "silver"
	later.ReferenceEventID = strings.Repeat("1", 64)
	later.EndsAt = now.Add(3 * time.Hour)
	_, err := e.CreateAuction(later)
	require.NoError(t, err)

	sooner := liveAuctionInput()
	_, err = e.CreateAuction(sooner)
	require.NoError(t, err)

	// 已結束的拍賣不應出現在清單內
	endedAuctionInput := liveAuctionInput()
	endedAuctionInput.Name = "bronze"
	endedAuctionInput.ReferenceEventID = strings.Repeat("2", 64)
	endedAuctionInput.StartsAt = now.Add(-3 * time.Hour)
	endedAuctionInput.EndsAt = now.Add(-2 * time.Hour)
	_, err = e.CreateAuction(endedAuctionInput)
	require.NoError(t, err)

	active := e.ListActiveAuctions()
	require.Len(t, active, 2)
	assert.Equal(t, "gold", active[0].Name)
	assert.Equal(t, "silver", active[1].Name)
}

func TestBidOrdering(t *testing.T) {
	now := time.Now()
	bids := []*models.Bid{
		{ReceiptID: receiptID(1), BidderPubkey: keyBidderA, Amount: 200000, PlacedAt: now},
		{ReceiptID: receiptID(2), BidderPubkey: keyBidderB, Amount: 300000, PlacedAt: now.Add(time.Minute)},
		{ReceiptID: receiptID(3), BidderPubkey: keyBidderC, Amount: 200000, PlacedAt: now.Add(-time.Minute)},
	}
	sortBids(bids)

	assert.Equal(t, keyBidderB, bids[0].BidderPubkey)
	// 同額出價以先到者優先
	assert.Equal(t, keyBidderC, bids[1].BidderPubkey)
	assert.Equal(t, keyBidderA, bids[2].BidderPubkey)
}

func TestMinimumAllowed(t *testing.T) {
	entry := newAuctionEntry(&models.Auction{StartingPrice: 100000})

	assert.Equal(t, uint64(100000), entry.minimumAllowed())

	entry.record(&models.Bid{ReceiptID: receiptID(1), Amount: 100000, PlacedAt: time.Now()})
	assert.Equal(t, uint64(110000), entry.minimumAllowed())

	// 上浮10%要無條件進位
	entry.record(&models.Bid{ReceiptID: receiptID(2), Amount: 110001, PlacedAt: time.Now()})
	assert.Equal(t, uint64(121002), entry.minimumAllowed())
}
