package checkout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/gorm"

	"satgate/core/ident"
	"satgate/core/ledger"
	"satgate/storage"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCheckoutFixture(t *testing.T, name string) (*gorm.DB, *Settler, *storage.Wallet) {
	t.Helper()
	db, err := storage.OpenTest(name)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	wallet := &storage.Wallet{ID: ident.New(ident.PrefixWallet), AccountID: ident.New(ident.PrefixAccount)}
	if err := db.Create(wallet).Error; err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	settler := NewSettler(db, ledger.New(db), "STRIPE_WEBHOOK_SECRET", discard())
	return db, settler, wallet
}

func createSession(t *testing.T, db *gorm.DB, walletID, externalID string, usdCents, sats int64) *storage.CheckoutSession {
	t.Helper()
	row := &storage.CheckoutSession{
		ID:                ident.New(ident.PrefixCheckoutSession),
		WalletID:          walletID,
		ExternalSessionID: externalID,
		AmountUsdCents:    usdCents,
		BtcUsdRate:        50_000,
		AmountSats:        sats,
		Status:            storage.CheckoutPending,
		CreatedAt:         time.Now().UTC(),
	}
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	return row
}

// signPayload builds a Stripe-Signature header over the payload, mirroring
// the processor's t=<unix>,v1=<hmac> scheme.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func completedEvent(sessionID string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":%q,"object":"checkout.session"}}}`, sessionID))
}

func TestWebhookCreditsCompletedSession(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	db, settler, wallet := newCheckoutFixture(t, "co_complete")
	row := createSession(t, db, wallet.ID, "cs_test_1", 2_500, 50_000)

	payload := completedEvent("cs_test_1")
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/checkout", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, "whsec_test"))
	rec := httptest.NewRecorder()
	settler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var fresh storage.Wallet
	if err := db.First(&fresh, "id = ?", wallet.ID).Error; err != nil {
		t.Fatalf("reload wallet: %v", err)
	}
	if fresh.BalanceUsdCents != 2_500 || fresh.LifetimeInUsdCents != 2_500 {
		t.Fatalf("usd = %d/%d, want 2500/2500", fresh.BalanceUsdCents, fresh.LifetimeInUsdCents)
	}
	// USD credits never touch the sats balance.
	if fresh.BalanceSats != 0 {
		t.Fatalf("sats balance = %d, want 0", fresh.BalanceSats)
	}

	var claimed storage.CheckoutSession
	if err := db.First(&claimed, "id = ?", row.ID).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if claimed.Status != storage.CheckoutCompleted || claimed.CompletedAt == nil {
		t.Fatalf("session = %q/%v, want completed", claimed.Status, claimed.CompletedAt)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	db, settler, wallet := newCheckoutFixture(t, "co_bad_sig")
	createSession(t, db, wallet.ID, "cs_test_2", 1_000, 20_000)

	payload := completedEvent("cs_test_2")
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/checkout", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, "whsec_wrong"))
	rec := httptest.NewRecorder()
	settler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var fresh storage.Wallet
	if err := db.First(&fresh, "id = ?", wallet.ID).Error; err != nil {
		t.Fatalf("reload wallet: %v", err)
	}
	if fresh.BalanceUsdCents != 0 {
		t.Fatalf("usd balance = %d, want 0 after rejected webhook", fresh.BalanceUsdCents)
	}
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	_, settler, _ := newCheckoutFixture(t, "co_other_event")
	payload := []byte(`{"id":"evt_2","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/checkout", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, "whsec_test"))
	rec := httptest.NewRecorder()
	settler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 acknowledge", rec.Code)
	}
}

func TestApplyIdempotent(t *testing.T) {
	db, settler, wallet := newCheckoutFixture(t, "co_idempotent")
	createSession(t, db, wallet.ID, "cs_test_3", 5_000, 100_000)

	if err := settler.Apply(context.Background(), "cs_test_3"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := settler.Apply(context.Background(), "cs_test_3"); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := settler.Apply(context.Background(), "cs_unknown"); err != nil {
		t.Fatalf("unknown session: %v", err)
	}

	var fresh storage.Wallet
	if err := db.First(&fresh, "id = ?", wallet.ID).Error; err != nil {
		t.Fatalf("reload wallet: %v", err)
	}
	if fresh.BalanceUsdCents != 5_000 {
		t.Fatalf("usd balance = %d, want single 5000 credit", fresh.BalanceUsdCents)
	}
	var count int64
	if err := db.Model(&storage.Transaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if count != 1 {
		t.Fatalf("transactions = %d, want 1", count)
	}
}

type stubCreator struct {
	id  string
	url string
}

func (s *stubCreator) Create(context.Context, int64, string, string) (string, string, error) {
	return s.id, s.url, nil
}

func TestFundCardPersistsPendingRow(t *testing.T) {
	db, _, wallet := newCheckoutFixture(t, "co_fund_card")
	creator := &stubCreator{id: "cs_new_1", url: "https://pay.example/cs_new_1"}

	row, url, err := FundCard(context.Background(), db, creator, wallet.ID, 2_500, 50_000, "https://app/ok", "https://app/no")
	if err != nil {
		t.Fatalf("fund card: %v", err)
	}
	if url != "https://pay.example/cs_new_1" {
		t.Fatalf("url = %q", url)
	}
	if row.Status != storage.CheckoutPending || row.ExternalSessionID != "cs_new_1" {
		t.Fatalf("row = %q/%q", row.Status, row.ExternalSessionID)
	}
	// $25 at 50k: 25_000_000 micros × 100 / 50_000 = 50_000 sats.
	if row.AmountSats != 50_000 {
		t.Fatalf("sats equivalent = %d, want 50000", row.AmountSats)
	}
	if _, _, err := FundCard(context.Background(), db, creator, wallet.ID, 0, 50_000, "", ""); err == nil {
		t.Fatal("zero amount should fail")
	}
}
