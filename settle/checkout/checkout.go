// Package checkout settles card funding through a Stripe-style processor:
// it creates hosted checkout sessions and credits the wallet's USD balance
// exactly once per completed session webhook.
package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"

	"satgate/core/ident"
	"satgate/core/ledger"
	"satgate/core/pricing"
	"satgate/observability"
	"satgate/storage"
)

// maxWebhookBody bounds the webhook payload read, per processor guidance.
const maxWebhookBody = 64 << 10

// Settler verifies processor webhooks and applies USD credits.
type Settler struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	logger    *slog.Logger
	metrics   *observability.SettlerMetrics
	secretEnv string
	nowFn     func() time.Time
}

// NewSettler wires the webhook side of card funding. The signing secret is
// resolved from the named env at request time so rotation needs no restart.
func NewSettler(db *gorm.DB, led *ledger.Ledger, secretEnv string, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		db:        db,
		ledger:    led,
		logger:    logger,
		metrics:   observability.Settler(),
		secretEnv: secretEnv,
		nowFn:     time.Now,
	}
}

// ServeHTTP verifies the webhook signature and dispatches completed-session
// events. Unknown event types are acknowledged and dropped.
func (s *Settler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	secret := os.Getenv(s.secretEnv)
	if secret == "" {
		s.logger.Error("webhook secret env not set", "env", s.secretEnv)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.metrics.Events.WithLabelValues("checkout", "rejected").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if event.Type != "checkout.session.completed" {
		s.metrics.Events.WithLabelValues("checkout", "ignored").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	var completed stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &completed); err != nil || completed.ID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.Apply(r.Context(), completed.ID); err != nil {
		s.logger.Error("checkout settle failed", "session", completed.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Apply claims the pending session row and credits the wallet. Unknown or
// already-completed sessions are discarded; the claim is the idempotency
// gate, the ledger's unique reference the second line of defense.
func (s *Settler) Apply(ctx context.Context, externalSessionID string) error {
	now := s.nowFn().UTC()
	claim := s.db.WithContext(ctx).Model(&storage.CheckoutSession{}).
		Where("external_session_id = ? AND status = ?", externalSessionID, storage.CheckoutPending).
		Updates(map[string]any{"status": storage.CheckoutCompleted, "completed_at": now})
	if claim.Error != nil {
		return fmt.Errorf("claim checkout session: %w", claim.Error)
	}
	if claim.RowsAffected == 0 {
		s.logger.Info("discarding checkout event", "session", externalSessionID)
		s.metrics.Events.WithLabelValues("checkout", "discarded").Inc()
		return nil
	}
	var row storage.CheckoutSession
	if err := s.db.WithContext(ctx).First(&row, "external_session_id = ?", externalSessionID).Error; err != nil {
		return fmt.Errorf("load claimed session: %w", err)
	}
	if _, err := s.ledger.CreditFromCheckout(ctx, row.WalletID, row.AmountUsdCents, row.AmountSats, row.ID); err != nil {
		return fmt.Errorf("credit session %s: %w", row.ID, err)
	}
	s.metrics.Events.WithLabelValues("checkout", "completed").Inc()
	s.metrics.Credits.WithLabelValues("checkout").Inc()
	return nil
}

// SessionCreator opens a hosted checkout page with the processor.
type SessionCreator interface {
	Create(ctx context.Context, usdCents int64, successURL, cancelURL string) (id, url string, err error)
}

// StripeCreator creates real Stripe Checkout Sessions.
type StripeCreator struct {
	apiKeyEnv string
}

// NewStripeCreator builds a creator reading its API key from the named env.
func NewStripeCreator(apiKeyEnv string) *StripeCreator {
	return &StripeCreator{apiKeyEnv: apiKeyEnv}
}

func (c *StripeCreator) Create(ctx context.Context, usdCents int64, successURL, cancelURL string) (string, string, error) {
	key := os.Getenv(c.apiKeyEnv)
	if key == "" {
		return "", "", fmt.Errorf("checkout: api key env %s not set", c.apiKeyEnv)
	}
	stripe.Key = key
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(usdCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Wallet funding"),
				},
			},
		}},
	}
	params.Context = ctx
	sess, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.ID, sess.URL, nil
}

// FundCard opens a checkout session and persists the pending row with the
// rate snapshot. The sats equivalent is recorded for reporting only; the
// credit itself is USD.
func FundCard(ctx context.Context, db *gorm.DB, creator SessionCreator, walletID string, usdCents int64, btcUsd float64, successURL, cancelURL string) (*storage.CheckoutSession, string, error) {
	if usdCents <= 0 {
		return nil, "", fmt.Errorf("checkout: amount must be positive")
	}
	externalID, checkoutURL, err := creator.Create(ctx, usdCents, successURL, cancelURL)
	if err != nil {
		return nil, "", err
	}
	row := &storage.CheckoutSession{
		ID:                ident.New(ident.PrefixCheckoutSession),
		WalletID:          walletID,
		ExternalSessionID: externalID,
		AmountUsdCents:    usdCents,
		BtcUsdRate:        btcUsd,
		AmountSats:        pricing.SatsFromUsdMicros(usdCents*10_000, btcUsd),
		Status:            storage.CheckoutPending,
		CreatedAt:         time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, "", fmt.Errorf("persist checkout session: %w", err)
	}
	return row, checkoutURL, nil
}
