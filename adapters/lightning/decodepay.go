package lightning

import (
	"fmt"
	"strings"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// Bolt11Decoder 解碼BOLT11 invoice並取出payment hash，
// 供支付驗證比對preimage使用。
type Bolt11Decoder struct{}

func NewBolt11Decoder() *Bolt11Decoder {
	return &Bolt11Decoder{}
}

func (d *Bolt11Decoder) PaymentHash(bolt11 string) (string, error) {
	const op = "PaymentHash"
	inv, err := decodepay.Decodepay(strings.TrimSpace(bolt11))
	if err != nil {
		return "", fmt.Errorf("[%s] Fail to decode bolt11 invoice, err=%w", op, err)
	}
	return strings.ToLower(inv.PaymentHash), nil
}
