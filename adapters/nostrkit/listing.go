package nostrkit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// KindAuctionListing 是拍賣上架事件的kind(NIP-15 marketplace auction)。
const KindAuctionListing = 30020

var hexKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ListingInput 是產生拍賣上架事件所需的欄位。
type ListingInput struct {
	Name          string
	Description   string
	AuctionPubkey string
	StartingPrice uint64
	StartsAt      nostr.Timestamp
	EndsAt        nostr.Timestamp
}

// listingContent 是上架事件content的JSON結構。
type listingContent struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	StartingBid uint64 `json:"starting_bid"`
	StartDate   int64  `json:"start_date"`
	Duration    int64  `json:"duration"`
}

// NormalizePubkey 將npub或64位元hex的公鑰統一成小寫hex形式。
func NormalizePubkey(raw string) (string, error) {
	const op = "NormalizePubkey"
	key := strings.TrimSpace(raw)
	if strings.HasPrefix(key, "npub") {
		prefix, decoded, err := nip19.Decode(key)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("[%s] Fail to decode npub key, err=%w", op, err)
		}
		return decoded.(string), nil
	}
	key = strings.ToLower(key)
	if !hexKeyPattern.MatchString(key) {
		return "", fmt.Errorf("[%s] Fail to accept malformed public key", op)
	}
	return key, nil
}

// BuildListingTemplate 產生一個未簽名的kind-30020上架事件。
// 事件ID由內容決定，同樣的輸入永遠得到同一個ID，
// 拍賣建立後這個ID就是收據引用的錨點。
func BuildListingTemplate(input ListingInput) (nostr.Event, error) {
	const op = "BuildListingTemplate"
	pubkey, err := NormalizePubkey(input.AuctionPubkey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("[%s] Fail to normalize auction identity key, err=%w", op, err)
	}
	if input.Name == "" {
		return nostr.Event{}, fmt.Errorf("[%s] Fail to build listing without a name", op)
	}
	if !input.EndsAt.Time().After(input.StartsAt.Time()) {
		return nostr.Event{}, fmt.Errorf("[%s] Fail to build listing that ends before it starts", op)
	}

	content, err := json.Marshal(listingContent{
		Name:        input.Name,
		Description: input.Description,
		StartingBid: input.StartingPrice,
		StartDate:   input.StartsAt.Time().Unix(),
		Duration:    int64(input.EndsAt.Time().Sub(input.StartsAt.Time()).Seconds()),
	})
	if err != nil {
		return nostr.Event{}, fmt.Errorf("[%s] Fail to marshal listing content, err=%w", op, err)
	}

	ev := nostr.Event{
		PubKey:    pubkey,
		CreatedAt: input.StartsAt,
		Kind:      KindAuctionListing,
		Tags: nostr.Tags{
			{"d", listingIdentifier(pubkey, input.Name, input.StartsAt)},
			{"title", input.Name},
		},
		Content: string(content),
	}
	ev.ID = ev.GetID()
	return ev, nil
}

// listingIdentifier 產生NIP-33的d標籤，
// 同一把拍賣金鑰在同一時間上架同名拍賣會得到相同識別碼。
func listingIdentifier(pubkey, name string, startsAt nostr.Timestamp) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%s/%d", pubkey, name, startsAt))
	return hex.EncodeToString(sum[:])
}
