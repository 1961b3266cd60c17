package engine

import (
	"strings"
	"sync"

	"gavel/models"
)

// InvoiceLedger 是以payment hash為鍵的invoice追蹤帳本。
// Payment Verifier在收據沒有附preimage時會查詢這裡，
// 結算流程也靠它判斷邀約invoice是否已付款。
type InvoiceLedger struct {
	mu          sync.RWMutex
	byHash      map[string]*models.TrackedInvoice
	byInvoiceID map[string]string
}

func NewInvoiceLedger() *InvoiceLedger {
	return &InvoiceLedger{
		byHash:      make(map[string]*models.TrackedInvoice),
		byInvoiceID: make(map[string]string),
	}
}

// Track 寫入或更新一筆追蹤紀錄。
// 已標記為已付款的紀錄不會被覆寫回未付款。
func (l *InvoiceLedger) Track(inv models.TrackedInvoice) {
	hash := strings.ToLower(inv.PaymentHash)
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byHash[hash]; ok && existing.Paid {
		inv.Paid = true
	}
	stored := inv
	stored.PaymentHash = hash
	l.byHash[hash] = &stored
	if stored.InvoiceID != "" {
		l.byInvoiceID[stored.InvoiceID] = hash
	}
}

// Lookup 依payment hash查詢追蹤紀錄。
func (l *InvoiceLedger) Lookup(paymentHash string) (models.TrackedInvoice, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	inv, ok := l.byHash[strings.ToLower(paymentHash)]
	if !ok {
		return models.TrackedInvoice{}, false
	}
	return *inv, true
}

// LookupByInvoiceID 依Payment Provider的invoice id查詢追蹤紀錄。
func (l *InvoiceLedger) LookupByInvoiceID(invoiceID string) (models.TrackedInvoice, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	hash, ok := l.byInvoiceID[invoiceID]
	if !ok {
		return models.TrackedInvoice{}, false
	}
	return *l.byHash[hash], true
}

// MarkPaid 將指定payment hash的invoice標記為已付款。
// 重複標記是冪等的no-op。
func (l *InvoiceLedger) MarkPaid(paymentHash string) (models.TrackedInvoice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, ok := l.byHash[strings.ToLower(paymentHash)]
	if !ok {
		return models.TrackedInvoice{}, false
	}
	inv.Paid = true
	return *inv, true
}

// MarkPaidByInvoiceID 依Payment Provider的invoice id標記已付款，
// 用於處理付款通知(通知內容不帶payment hash)。
func (l *InvoiceLedger) MarkPaidByInvoiceID(invoiceID string) (models.TrackedInvoice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	hash, ok := l.byInvoiceID[invoiceID]
	if !ok {
		return models.TrackedInvoice{}, false
	}
	inv := l.byHash[hash]
	inv.Paid = true
	return *inv, true
}
