package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"gavel/models"
)

const msatsPerSat = 1000

// memo可能的形狀，依優先順序解析成明確的variant而不是逐一嘗試regex
type memoKind int

const (
	memoNone memoKind = iota
	memoBidOnly
	memoAmountOnly
	memoIdentityAmount
	memoBidAmountIdentity
)

type memoDirective struct {
	kind     memoKind
	amount   uint64
	identity string
}

var (
	reBidOnly           = regexp.MustCompile(`(?i)^bid:\s*(\d+)$`)
	reAmountOnly        = regexp.MustCompile(`^(\d+)$`)
	reIdentityAmount    = regexp.MustCompile(`(?i)^(npub1[a-z0-9]+|[0-9a-fA-F]{64}):(\d+)$`)
	reBidAmountIdentity = regexp.MustCompile(`(?i)^bid:\s*(\d+):(npub1[a-z0-9]+|[0-9a-fA-F]{64})$`)
)

// parseMemo 將memo內容解析成單一directive。
// 解析不到任何形狀時回傳memoNone，出價金額由實付金額決定。
func parseMemo(memo string) memoDirective {
	memo = strings.TrimSpace(memo)
	if memo == "" {
		return memoDirective{kind: memoNone}
	}
	if m := reBidOnly.FindStringSubmatch(memo); m != nil {
		return memoDirective{kind: memoBidOnly, amount: mustParseAmount(m[1])}
	}
	if m := reAmountOnly.FindStringSubmatch(memo); m != nil {
		return memoDirective{kind: memoAmountOnly, amount: mustParseAmount(m[1])}
	}
	if m := reIdentityAmount.FindStringSubmatch(memo); m != nil {
		return memoDirective{kind: memoIdentityAmount, identity: m[1], amount: mustParseAmount(m[2])}
	}
	if m := reBidAmountIdentity.FindStringSubmatch(memo); m != nil {
		return memoDirective{kind: memoBidAmountIdentity, amount: mustParseAmount(m[1]), identity: m[2]}
	}
	return memoDirective{kind: memoNone}
}

func mustParseAmount(s string) uint64 {
	// regex保證是純數字，超出uint64範圍時視為0(會在後續的正數檢查被拒絕)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// normalizeIdentity 將npub或hex形式的身分鍵轉成小寫hex。
func normalizeIdentity(identity string) (string, bool) {
	identity = strings.TrimSpace(identity)
	if strings.HasPrefix(strings.ToLower(identity), "npub1") {
		prefix, value, err := nip19.Decode(strings.ToLower(identity))
		if err != nil || prefix != "npub" {
			return "", false
		}
		hex, ok := value.(string)
		if !ok {
			return "", false
		}
		return hex, true
	}
	if isIdentityKey(identity) {
		return strings.ToLower(identity), true
	}
	return "", false
}

func isIdentityKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func firstTagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// zapRequest 從收據的description標籤取出內嵌的請求事件。
// 收據本身沒帶amount或memo時會退回使用請求事件上的值。
func zapRequest(ev *nostr.Event) *nostr.Event {
	raw := firstTagValue(ev, "description")
	if raw == "" {
		return nil
	}
	var req nostr.Event
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil
	}
	return &req
}

// ParseBid 將一張支付收據事件轉換成候選出價。
// 所有拒絕原因都以ValidationError回傳，不會panic。
// 同一張收據重複解析會得到相同的出價ID(冪等)。
func ParseBid(ev *nostr.Event, referenceEventID string) (*models.Bid, error) {
	// 收據必須引用這場拍賣的listing事件
	if firstTagValue(ev, "e") != referenceEventID {
		return nil, newValidationError("receipt does not reference this auction")
	}

	req := zapRequest(ev)

	// 實付金額：amount標籤以millisats計，向下取整換算成sats
	amountTag := firstTagValue(ev, "amount")
	if amountTag == "" && req != nil {
		amountTag = firstTagValue(req, "amount")
	}
	msats, err := strconv.ParseInt(amountTag, 10, 64)
	if err != nil || msats <= 0 {
		return nil, newValidationError("receipt has no positive amount")
	}
	paid := uint64(msats) / msatsPerSat
	if paid == 0 {
		return nil, newValidationError("receipt amount is below one unit")
	}

	memo := strings.TrimSpace(ev.Content)
	if memo == "" && req != nil {
		memo = strings.TrimSpace(req.Content)
	}
	directive := parseMemo(memo)

	// 出價金額：memo有明確宣告時採用宣告值，否則以實付金額為準
	bidAmount := paid
	if directive.kind != memoNone {
		bidAmount = directive.amount
	}
	if bidAmount == 0 {
		return nil, newValidationError("bid amount must be positive")
	}
	if bidAmount > paid {
		return nil, newValidationError(fmt.Sprintf("declared bid %d exceeds paid amount %d", bidAmount, paid))
	}

	// 出價者身分，依優先順序：sender標籤、memo內嵌身分、作者鍵(內嵌請求優先於收據)
	bidder := ""
	if senderTag := firstTagValue(ev, "P"); senderTag != "" {
		if hex, ok := normalizeIdentity(senderTag); ok {
			bidder = hex
		}
	}
	if bidder == "" && directive.identity != "" {
		if hex, ok := normalizeIdentity(directive.identity); ok {
			bidder = hex
		}
	}
	if bidder == "" && req != nil && isIdentityKey(req.PubKey) {
		bidder = strings.ToLower(req.PubKey)
	}
	if bidder == "" && isIdentityKey(ev.PubKey) {
		bidder = strings.ToLower(ev.PubKey)
	}
	if bidder == "" {
		return nil, newValidationError("unable to identify bidder")
	}

	placedAt := ev.CreatedAt.Time()
	if placedAt.IsZero() {
		placedAt = time.Now()
	}

	return &models.Bid{
		ID:           bidID(ev.ID, referenceEventID, bidAmount),
		ReceiptID:    ev.ID,
		BidderPubkey: bidder,
		Amount:       bidAmount,
		PaidAmount:   paid,
		Memo:         memo,
		PlacedAt:     placedAt,
	}, nil
}

// bidID 由收據ID、listing事件ID和出價金額推導出確定性的出價ID。
func bidID(receiptID, referenceEventID string, amount uint64) uuid.UUID {
	seed := fmt.Sprintf("%s/%s/%d", receiptID, referenceEventID, amount)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed))
}
