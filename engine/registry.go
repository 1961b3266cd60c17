package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gavel/models"
)

// auctionEntry 是registry內一場拍賣的完整狀態。
// 所有針對同一場拍賣的變更(出價、延長結束時間、結算、瀑布流推進)
// 都必須在entry自己的mutex下序列化；不同拍賣之間互不阻塞。
type auctionEntry struct {
	mu sync.Mutex

	auction   *models.Auction
	bids      []*models.Bid
	byReceipt map[string]*models.Bid

	// 結算狀態
	offer    *SettlementOffer
	offered  map[string]bool
	settling bool
}

// Registry 持有所有拍賣，是除了invoice帳本以外唯一的跨拍賣共享狀態。
// 外層map用粗粒度讀寫鎖保護(拍賣數量低)，entry內的變更各自序列化。
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*auctionEntry
	byRef   map[string]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]*auctionEntry),
		byRef:   make(map[string]uuid.UUID),
	}
}

// Add 註冊一場新拍賣，呼叫端負責先完成參數驗證。
func (r *Registry) Add(a *models.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[a.ID]; ok {
		return newValidationError("auction %s already exists", a.ID)
	}
	if _, ok := r.byRef[a.ReferenceEventID]; ok {
		return newValidationError("reference event %s already anchors an auction", a.ReferenceEventID)
	}
	r.entries[a.ID] = newAuctionEntry(a)
	r.byRef[a.ReferenceEventID] = a.ID
	return nil
}

func newAuctionEntry(a *models.Auction) *auctionEntry {
	return &auctionEntry{
		auction:   a,
		byReceipt: make(map[string]*models.Bid),
		offered:   make(map[string]bool),
	}
}

// Restore 在重啟後把持久化的拍賣與出價載回registry。
// offeredKeys是歷來收過結算邀約的出價者，瀑布流不會重複邀約他們。
func (r *Registry) Restore(a *models.Auction, bids []*models.Bid, offer *SettlementOffer, offeredKeys []string) {
	entry := newAuctionEntry(a)
	for _, bid := range bids {
		entry.bids = append(entry.bids, bid)
		entry.byReceipt[bid.ReceiptID] = bid
	}
	sortBids(entry.bids)
	entry.offer = offer
	for _, key := range offeredKeys {
		entry.offered[key] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[a.ID] = entry
	r.byRef[a.ReferenceEventID] = a.ID
}

func (r *Registry) entry(id uuid.UUID) (*auctionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// Get 回傳一場拍賣的一致性快照：拍賣資料、出價(金額遞減、同額先到先贏)
// 與目前最高出價。
func (r *Registry) Get(id uuid.UUID) (models.Auction, []models.Bid, *models.Bid, error) {
	entry, ok := r.entry(id)
	if !ok {
		return models.Auction{}, nil, nil, newAuctionNotFound(id)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	auction := *entry.auction
	bids := make([]models.Bid, len(entry.bids))
	for i, bid := range entry.bids {
		bids[i] = *bid
	}
	var highest *models.Bid
	if len(bids) > 0 {
		highest = &bids[0]
	}
	return auction, bids, highest, nil
}

// ListActive 回傳所有UPCOMING或LIVE的拍賣快照。
func (r *Registry) ListActive(now time.Time) []models.Auction {
	r.mu.RLock()
	entries := make([]*auctionEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	var active []models.Auction
	for _, entry := range entries {
		entry.mu.Lock()
		state := stateOf(entry.auction, now)
		if state == StateUpcoming || state == StateLive {
			active = append(active, *entry.auction)
		}
		entry.mu.Unlock()
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].EndsAt.Before(active[j].EndsAt)
	})
	return active
}

// sortBids 依金額遞減排序，同額時以最早出價優先。
// 排序是穩定的，接受順序不會影響同額同時間的相對位置。
func sortBids(bids []*models.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount > bids[j].Amount
		}
		return bids[i].PlacedAt.Before(bids[j].PlacedAt)
	})
}

// highestBid 回傳目前最高的出價，沒有出價時回傳nil。
// 呼叫端必須持有entry的鎖。
func (e *auctionEntry) highestBid() *models.Bid {
	if len(e.bids) == 0 {
		return nil
	}
	return e.bids[0]
}

// minimumAllowed 計算下一筆出價的最低允許金額：
// 沒有出價時是起標價，否則是目前最高出價上浮10%(ceil)。
// 呼叫端必須持有entry的鎖。
func (e *auctionEntry) minimumAllowed() uint64 {
	highest := e.highestBid()
	if highest == nil {
		return e.auction.StartingPrice
	}
	// ceil(x * 1.10)，用整數運算避免浮點誤差
	return (highest.Amount*110 + 99) / 100
}

// record 寫入一筆已通過所有檢查的出價並維持排序。
// 呼叫端必須持有entry的鎖。
func (e *auctionEntry) record(bid *models.Bid) {
	e.bids = append(e.bids, bid)
	e.byReceipt[bid.ReceiptID] = bid
	sortBids(e.bids)
}

// nextQualifying 找出下一個可獲得結算邀約的出價：
// 在最終endsAt前送達、達到保留價、且該出價者尚未被邀約過。
// 呼叫端必須持有entry的鎖。
func (e *auctionEntry) nextQualifying() *models.Bid {
	for _, bid := range e.bids {
		if bid.PlacedAt.After(e.auction.EndsAt) {
			continue
		}
		if bid.Amount < e.auction.ReservePrice {
			continue
		}
		if e.offered[bid.BidderPubkey] {
			continue
		}
		return bid
	}
	return nil
}
