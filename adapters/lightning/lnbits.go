package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gavel/engine"
)

type lnbitsOptions struct {
	logger        *slog.Logger
	httpClient    *http.Client
	invoiceExpiry time.Duration
}

type LNbitsOption func(*lnbitsOptions)

// WithLNbitsLogger 設置日誌記錄器
func WithLNbitsLogger(logger *slog.Logger) LNbitsOption {
	return func(o *lnbitsOptions) {
		o.logger = logger
	}
}

// WithLNbitsHTTPClient 設置自定義的HTTP客戶端
func WithLNbitsHTTPClient(client *http.Client) LNbitsOption {
	return func(o *lnbitsOptions) {
		o.httpClient = client
	}
}

// WithLNbitsInvoiceExpiry 設置開立invoice的有效期限
func WithLNbitsInvoiceExpiry(d time.Duration) LNbitsOption {
	return func(o *lnbitsOptions) {
		o.invoiceExpiry = d
	}
}

// LNbitsClient 是LNbits REST API的Payment Provider實作。
// invoice ID直接使用payment hash(LNbits以payment hash作為查詢鍵)。
type LNbitsClient struct {
	baseURL *url.URL
	apiKey  string
	logger  *slog.Logger
	options lnbitsOptions
}

func NewLNbitsClient(baseURL, apiKey string, opts ...LNbitsOption) (*LNbitsClient, error) {
	const op = "NewLNbitsClient"
	if apiKey == "" {
		return nil, fmt.Errorf("[%s] api key cannot be empty", op)
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to parse base URL, err=%w", op, err)
	}

	// 默認選項
	options := lnbitsOptions{
		logger:        slog.Default(),
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		invoiceExpiry: time.Hour,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &LNbitsClient{
		baseURL: parsed,
		apiKey:  apiKey,
		logger:  options.logger.With(slog.String("caller", "LNbitsClient")),
		options: options,
	}, nil
}

type lnbitsCreateRequest struct {
	Out    bool              `json:"out"`
	Amount uint64            `json:"amount"`
	Memo   string            `json:"memo"`
	Expiry int64             `json:"expiry"`
	Extra  map[string]string `json:"extra,omitempty"`
}

type lnbitsCreateResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
}

type lnbitsPaymentStatus struct {
	Paid    bool `json:"paid"`
	Details struct {
		Expiry int64 `json:"expiry"`
	} `json:"details"`
}

func (c *LNbitsClient) CreateInvoice(ctx context.Context, amount uint64, memo string, metadata map[string]string) (engine.Invoice, error) {
	const op = "CreateInvoice"
	if amount == 0 {
		return engine.Invoice{}, fmt.Errorf("[%s] invoice amount must be positive", op)
	}

	payload := lnbitsCreateRequest{
		Amount: amount,
		Memo:   memo,
		Expiry: int64(c.options.invoiceExpiry / time.Second),
		Extra:  metadata,
	}
	var result lnbitsCreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", payload, &result); err != nil {
		return engine.Invoice{}, fmt.Errorf("[%s] Fail to create invoice, err=%w", op, err)
	}
	bolt11 := result.PaymentRequest
	if bolt11 == "" {
		bolt11 = result.Bolt11
	}
	if result.PaymentHash == "" || bolt11 == "" {
		return engine.Invoice{}, fmt.Errorf("[%s] invoice response missing payment hash or bolt11", op)
	}

	c.logger.Debug("invoice created",
		slog.String("paymentHash", result.PaymentHash),
		slog.Uint64("amount", amount))
	return engine.Invoice{
		ID:          strings.ToLower(result.PaymentHash),
		Amount:      amount,
		PaymentHash: strings.ToLower(result.PaymentHash),
		Bolt11:      bolt11,
		Backend:     "lnbits",
		ExpiresAt:   time.Now().Add(c.options.invoiceExpiry),
	}, nil
}

// InvoiceIDFromPaymentHash 把payment hash轉成LNbits的invoice id(小寫hex)。
// webhook通知只帶payment hash，透過這個轉換就能對上追蹤帳本。
func InvoiceIDFromPaymentHash(paymentHash string) string {
	return strings.ToLower(paymentHash)
}

func (c *LNbitsClient) CheckInvoiceStatus(ctx context.Context, invoiceID string) (engine.InvoiceStatus, error) {
	const op = "CheckInvoiceStatus"
	var status lnbitsPaymentStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/payments/"+url.PathEscape(invoiceID), nil, &status)
	if err != nil {
		return engine.InvoiceStatusFailed, fmt.Errorf("[%s] Fail to check invoice status, err=%w", op, err)
	}
	if status.Paid {
		return engine.InvoiceStatusPaid, nil
	}
	return engine.InvoiceStatusPending, nil
}

func (c *LNbitsClient) do(ctx context.Context, method, path string, payload, result any) error {
	target := *c.baseURL
	target.Path = strings.TrimSuffix(target.Path, "/") + path

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request error: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("build request error: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.options.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response error: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal response error: %w", err)
		}
	}
	return nil
}
