package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"gavel/models"
)

var (
	keyAuction = strings.Repeat("a", 64)
	keyBidderA = strings.Repeat("b", 64)
	keyBidderB = strings.Repeat("c", 64)
	keyBidderC = strings.Repeat("d", 64)
	refEventID = strings.Repeat("e", 64)
)

// fakeProvider 是測試用的Payment Provider，依序發出可預測的invoice ID
type fakeProvider struct {
	mu         sync.Mutex
	seq        int
	created    []Invoice
	statuses   map[string]InvoiceStatus
	failCreate bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{statuses: make(map[string]InvoiceStatus)}
}

func (p *fakeProvider) CreateInvoice(_ context.Context, amount uint64, memo string, _ map[string]string) (Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCreate {
		return Invoice{}, errors.New("payment backend unavailable")
	}
	p.seq++
	id := fmt.Sprintf("inv-%d", p.seq)
	sum := sha256.Sum256([]byte(id))
	inv := Invoice{
		ID:          id,
		Amount:      amount,
		PaymentHash: hex.EncodeToString(sum[:]),
		Bolt11:      "lnbc-test-" + id,
		Backend:     "fake",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	p.created = append(p.created, inv)
	p.statuses[id] = InvoiceStatusPending
	return inv, nil
}

func (p *fakeProvider) CheckInvoiceStatus(_ context.Context, invoiceID string) (InvoiceStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.statuses[invoiceID]
	if !ok {
		return InvoiceStatusFailed, errors.New("unknown invoice")
	}
	return status, nil
}

func (p *fakeProvider) lastInvoice() Invoice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created[len(p.created)-1]
}

// fakeDecoder 把測試invoice字串直接映射到payment hash
type fakeDecoder struct {
	hashes map[string]string
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{hashes: make(map[string]string)}
}

func (d *fakeDecoder) register(bolt11, paymentHash string) {
	d.hashes[bolt11] = paymentHash
}

func (d *fakeDecoder) PaymentHash(bolt11 string) (string, error) {
	hash, ok := d.hashes[bolt11]
	if !ok {
		return "", errors.New("no payment hash for invoice")
	}
	return hash, nil
}

// receiptSpec 用於組裝測試用的支付收據事件
type receiptSpec struct {
	id         string
	pubkey     string
	ref        string
	amountMsat int64
	content    string
	bolt11     string
	preimage   string
	sender     string
	createdAt  time.Time
}

func (s receiptSpec) event() *nostr.Event {
	ev := &nostr.Event{
		ID:      s.id,
		PubKey:  s.pubkey,
		Kind:    9735,
		Content: s.content,
	}
	if s.createdAt.IsZero() {
		s.createdAt = time.Now()
	}
	ev.CreatedAt = nostr.Timestamp(s.createdAt.Unix())
	if s.ref != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"e", s.ref})
	}
	if s.amountMsat != 0 {
		ev.Tags = append(ev.Tags, nostr.Tag{"amount", strconv.FormatInt(s.amountMsat, 10)})
	}
	if s.bolt11 != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"bolt11", s.bolt11})
	}
	if s.preimage != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"preimage", s.preimage})
	}
	if s.sender != "" {
		ev.Tags = append(ev.Tags, nostr.Tag{"P", s.sender})
	}
	return ev
}

func receiptID(n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("receipt-%d", n)))
	return hex.EncodeToString(sum[:])
}

// paidReceipt 產生一張帶有效preimage的收據，金額以sats計
func paidReceipt(decoder *fakeDecoder, n int, bidder string, sats uint64, memo string, createdAt time.Time) *nostr.Event {
	preimage := fmt.Sprintf("%064d", n)
	raw, _ := hex.DecodeString(preimage)
	sum := sha256.Sum256(raw)
	bolt11 := fmt.Sprintf("lnbc-receipt-%d", n)
	decoder.register(bolt11, hex.EncodeToString(sum[:]))
	return receiptSpec{
		id:         receiptID(n),
		pubkey:     bidder,
		ref:        refEventID,
		amountMsat: int64(sats) * msatsPerSat,
		content:    memo,
		bolt11:     bolt11,
		preimage:   preimage,
		createdAt:  createdAt,
	}.event()
}

func newTestEngine(provider *fakeProvider, decoder *fakeDecoder, opts ...EngineOption) *Engine {
	return New(provider, decoder, opts...)
}

func liveAuctionInput() CreateAuctionInput {
	now := time.Now()
	return CreateAuctionInput{
		Name:             "gold",
		ReferenceEventID: refEventID,
		AuctionPubkey:    keyAuction,
		StartingPrice:    100000,
		ReservePrice:     200000,
		StartsAt:         now.Add(-time.Hour),
		EndsAt:           now.Add(time.Hour),
	}
}

// endedAuction 透過restore路徑建立一場已結束、帶既有出價的拍賣
func endedAuction(e *Engine, bids []models.Bid) models.Auction {
	now := time.Now()
	auction := models.Auction{
		ID:               uuid.MustParse("f2b1c8aa-0000-4000-8000-000000000001"),
		ReferenceEventID: refEventID,
		Name:             "gold",
		AuctionPubkey:    keyAuction,
		StartingPrice:    100000,
		ReservePrice:     200000,
		StartsAt:         now.Add(-2 * time.Hour),
		EndsAt:           now.Add(-time.Hour),
	}
	for i := range bids {
		bids[i].AuctionID = auction.ID
		if bids[i].PlacedAt.IsZero() {
			bids[i].PlacedAt = auction.EndsAt.Add(-time.Duration(i+1) * time.Minute)
		}
		if bids[i].ID == uuid.Nil {
			bids[i].ID = bidID(bids[i].ReceiptID, refEventID, bids[i].Amount)
		}
	}
	e.Restore(auction, bids, nil)
	return auction
}
