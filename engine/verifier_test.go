package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gavel/models"
)

func TestVerifierPreimage(t *testing.T) {
	decoder := newFakeDecoder()
	ledger := NewInvoiceLedger()
	verifier := NewVerifier(decoder, ledger)

	preimage := fmt.Sprintf("%064d", 7)
	raw, err := hex.DecodeString(preimage)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	decoder.register("lnbc-good", hex.EncodeToString(sum[:]))

	t.Run("valid preimage passes", func(t *testing.T) {
		assert.NoError(t, verifier.Verify("lnbc-good", preimage))
	})

	t.Run("mismatched preimage rejected", func(t *testing.T) {
		err := verifier.Verify("lnbc-good", fmt.Sprintf("%064d", 8))
		var perr *PaymentVerificationError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "invalid zap preimage", perr.Reason)
	})

	t.Run("non-hex preimage rejected", func(t *testing.T) {
		err := verifier.Verify("lnbc-good", "zz")
		var perr *PaymentVerificationError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "invalid zap preimage", perr.Reason)
	})
}

func TestVerifierLedgerFallback(t *testing.T) {
	decoder := newFakeDecoder()
	ledger := NewInvoiceLedger()
	verifier := NewVerifier(decoder, ledger)

	hash := hex.EncodeToString(sha256.New().Sum(nil))
	decoder.register("lnbc-tracked", hash)

	t.Run("missing invoice rejected", func(t *testing.T) {
		err := verifier.Verify("", "")
		var perr *PaymentVerificationError
		require.ErrorAs(t, err, &perr)
	})

	t.Run("undecodable invoice rejected", func(t *testing.T) {
		err := verifier.Verify("lnbc-unknown", "")
		var perr *PaymentVerificationError
		require.ErrorAs(t, err, &perr)
		assert.Contains(t, perr.Reason, "undecodable")
	})

	t.Run("untracked invoice rejected", func(t *testing.T) {
		err := verifier.Verify("lnbc-tracked", "")
		var perr *PaymentVerificationError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "payment cannot be verified", perr.Reason)
	})

	t.Run("tracked but unpaid rejected", func(t *testing.T) {
		ledger.Track(models.TrackedInvoice{PaymentHash: hash, Kind: models.InvoiceKindBid})
		err := verifier.Verify("lnbc-tracked", "")
		var perr *PaymentVerificationError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "invoice not yet marked paid", perr.Reason)
	})

	t.Run("tracked and paid passes", func(t *testing.T) {
		_, ok := ledger.MarkPaid(hash)
		require.True(t, ok)
		assert.NoError(t, verifier.Verify("lnbc-tracked", ""))
	})

	t.Run("paid flag survives re-tracking", func(t *testing.T) {
		ledger.Track(models.TrackedInvoice{PaymentHash: hash, Kind: models.InvoiceKindBid})
		assert.NoError(t, verifier.Verify("lnbc-tracked", ""))
	})
}
