package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// InvoiceDecoder 從BOLT11編碼的invoice字串取出payment hash。
type InvoiceDecoder interface {
	PaymentHash(bolt11 string) (string, error)
}

// Verifier 是出價進入拍賣前的強制支付閘門。
// 有preimage時做密碼學檢查，沒有時查詢invoice追蹤帳本；
// 兩者都不通過的出價永遠不會進入出價清單。
type Verifier struct {
	decoder InvoiceDecoder
	ledger  *InvoiceLedger
}

func NewVerifier(decoder InvoiceDecoder, ledger *InvoiceLedger) *Verifier {
	return &Verifier{decoder: decoder, ledger: ledger}
}

// Verify 驗證一張invoice的支付證明。
// 不會重試或輪詢，付款尚未確認時由呼叫端稍後重新提交同一張收據。
func (v *Verifier) Verify(bolt11, preimage string) error {
	if bolt11 == "" {
		return &PaymentVerificationError{Reason: "payment cannot be verified: receipt carries no invoice"}
	}
	paymentHash, err := v.decoder.PaymentHash(bolt11)
	if err != nil {
		return &PaymentVerificationError{Reason: "payment cannot be verified: undecodable invoice"}
	}

	if preimage != "" {
		return v.verifyPreimage(paymentHash, preimage)
	}

	inv, tracked := v.ledger.Lookup(paymentHash)
	if !tracked {
		return &PaymentVerificationError{Reason: "payment cannot be verified"}
	}
	if !inv.Paid {
		return &PaymentVerificationError{Reason: "invoice not yet marked paid"}
	}
	return nil
}

// verifyPreimage 檢查sha256(preimage)是否等於invoice內嵌的payment hash。
func (v *Verifier) verifyPreimage(paymentHash, preimage string) error {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return &PaymentVerificationError{Reason: "invalid zap preimage"}
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != strings.ToLower(paymentHash) {
		return &PaymentVerificationError{Reason: "invalid zap preimage"}
	}
	return nil
}
