package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gorm.io/gorm"

	"satgate/core/ident"
	"satgate/storage"
)

// Issuer requests a fresh invoice from the node.
type Issuer interface {
	CreateInvoice(ctx context.Context, amountSats int64, ttl time.Duration) (paymentRequest, rHash string, err error)
}

// RESTIssuer talks to the node's REST invoice endpoint.
type RESTIssuer struct {
	baseURL     string
	macaroonEnv string
	client      *http.Client
}

// NewRESTIssuer builds an issuer against the node REST API.
func NewRESTIssuer(baseURL, macaroonEnv string, client *http.Client) *RESTIssuer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &RESTIssuer{baseURL: baseURL, macaroonEnv: macaroonEnv, client: client}
}

func (i *RESTIssuer) CreateInvoice(ctx context.Context, amountSats int64, ttl time.Duration) (string, string, error) {
	payload, err := json.Marshal(map[string]any{
		"value":  amountSats,
		"expiry": int64(ttl.Seconds()),
	})
	if err != nil {
		return "", "", fmt.Errorf("encode invoice request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/v1/invoices", bytes.NewReader(payload))
	if err != nil {
		return "", "", fmt.Errorf("build invoice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.macaroonEnv != "" {
		macaroon := os.Getenv(i.macaroonEnv)
		if macaroon == "" {
			return "", "", fmt.Errorf("lightning: macaroon env %s not set", i.macaroonEnv)
		}
		req.Header.Set("Grpc-Metadata-Macaroon", macaroon)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("create invoice: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", fmt.Errorf("read invoice response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("create invoice: node returned %d", resp.StatusCode)
	}
	var decoded struct {
		PaymentRequest string `json:"payment_request"`
		RHash          string `json:"r_hash"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", "", fmt.Errorf("decode invoice response: %w", err)
	}
	if decoded.PaymentRequest == "" || decoded.RHash == "" {
		return "", "", fmt.Errorf("lightning: node returned incomplete invoice")
	}
	return decoded.PaymentRequest, decoded.RHash, nil
}

// IssueInvoice requests an invoice from the node and persists the pending
// row the settler will later claim.
func IssueInvoice(ctx context.Context, db *gorm.DB, issuer Issuer, walletID string, amountSats int64, ttl time.Duration) (*storage.Invoice, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("lightning: invoice amount must be positive")
	}
	paymentRequest, rHash, err := issuer.CreateInvoice(ctx, amountSats, ttl)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	invoice := &storage.Invoice{
		ID:             ident.New(ident.PrefixInvoice),
		WalletID:       walletID,
		AmountSats:     amountSats,
		PaymentRequest: paymentRequest,
		RHash:          rHash,
		Status:         storage.InvoicePending,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(invoice).Error; err != nil {
		return nil, fmt.Errorf("persist invoice: %w", err)
	}
	return invoice, nil
}
