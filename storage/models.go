// Package storage defines the persisted data model and opens the backing
// database. All identifiers are prefixed ULIDs minted by core/ident.
package storage

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Agent lifecycle states.
const (
	AgentActive    = "active"
	AgentSuspended = "suspended"
	AgentKilled    = "killed"
)

// Invoice lifecycle states.
const (
	InvoicePending   = "pending"
	InvoiceSettled   = "settled"
	InvoiceExpired   = "expired"
	InvoiceCancelled = "cancelled"
)

// CheckoutSession lifecycle states.
const (
	CheckoutPending   = "pending"
	CheckoutCompleted = "completed"
	CheckoutExpired   = "expired"
	CheckoutFailed    = "failed"
)

// Pricing units.
const (
	UnitPerRequest  = "per_request"
	UnitPer1kTokens = "per_1k_tokens"
	UnitPerMinute   = "per_minute"
)

// Transaction currencies.
const (
	CurrencySats     = "sats"
	CurrencyUsdCents = "usd_cents"
)

// Service auth schemes.
const (
	AuthBearer       = "bearer"
	AuthAPIKeyHeader = "api_key_header"
	AuthBasic        = "basic"
	AuthQueryParam   = "query_param"
)

// Account is an identity owning exactly one wallet and one or more agents.
type Account struct {
	ID        string `gorm:"primaryKey;size:32"`
	Name      string `gorm:"size:128"`
	Email     string `gorm:"size:255"`
	CreatedAt time.Time
}

// Agent is a named credential under an account. APIKeyPrefix is nullable for
// legacy rows created before prefix indexing existed.
type Agent struct {
	ID           string  `gorm:"primaryKey;size:32"`
	AccountID    string  `gorm:"size:32;index"`
	Name         string  `gorm:"size:128"`
	APIKeyHash   string  `gorm:"size:128"`
	APIKeyPrefix *string `gorm:"size:16;index"`
	Status       string  `gorm:"size:16;index"`
	IsPrimary    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Wallet carries dual-currency balances. Balances never go negative; holds
// move funds from balance to held.
type Wallet struct {
	ID                  string `gorm:"primaryKey;size:32"`
	AccountID           string `gorm:"size:32;uniqueIndex"`
	BalanceSats         int64  `gorm:"check:balance_sats >= 0"`
	HeldSats            int64  `gorm:"check:held_sats >= 0"`
	LifetimeInSats      int64
	LifetimeOutSats     int64
	BalanceUsdCents     int64 `gorm:"check:balance_usd_cents >= 0"`
	HeldUsdCents        int64 `gorm:"check:held_usd_cents >= 0"`
	LifetimeInUsdCents  int64
	LifetimeOutUsdCents int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Policy bounds what a single agent may spend and reach. Nil means no limit.
// List fields are comma-joined slugs; denied lists take precedence.
type Policy struct {
	ID                  string `gorm:"primaryKey;size:32"`
	AgentID             string `gorm:"size:32;uniqueIndex"`
	MaxPerCallSats      *int64
	MaxPerDaySats       *int64
	AllowedServices     *string `gorm:"type:text"`
	DeniedServices      *string `gorm:"type:text"`
	AllowedCapabilities *string `gorm:"type:text"`
	DeniedCapabilities  *string `gorm:"type:text"`
	MaxBalanceSats      *int64
	KillSwitch          bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Service is an upstream provider in the catalog. Capability and
// DefaultOperation are set on runtime-approved services so their adapters can
// be rebuilt after a restart.
type Service struct {
	ID                string `gorm:"primaryKey;size:32"`
	Slug              string `gorm:"size:64;uniqueIndex"`
	Name              string `gorm:"size:128"`
	Tier              string `gorm:"size:32"`
	Status            string `gorm:"size:16;index"`
	BaseURL           string `gorm:"size:255"`
	AuthType          string `gorm:"size:32"`
	AuthCredentialEnv string `gorm:"size:64"`
	Capability        string `gorm:"size:32"`
	DefaultOperation  string `gorm:"size:64"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ServicePricing prices one operation of a service. PriceSats is recomputed
// whenever the BTC/USD rate changes.
type ServicePricing struct {
	ID             string `gorm:"primaryKey;size:32"`
	ServiceID      string `gorm:"size:32;uniqueIndex:idx_pricing_service_op"`
	Operation      string `gorm:"size:64;uniqueIndex:idx_pricing_service_op"`
	CostUsdMicros  int64
	PriceUsdMicros int64
	PriceSats      int64
	Unit           string `gorm:"size:32"`
	UpdatedAt      time.Time
}

// Invoice is a Lightning funding request. RHash is the payment hash and the
// settlement idempotency key.
type Invoice struct {
	ID             string `gorm:"primaryKey;size:32"`
	WalletID       string `gorm:"size:32;index"`
	AmountSats     int64
	PaymentRequest string `gorm:"type:text"`
	RHash          string `gorm:"size:64;uniqueIndex"`
	Status         string `gorm:"size:16;index"`
	ExpiresAt      time.Time
	SettledAt      *time.Time
	CreatedAt      time.Time
}

// CheckoutSession is a card funding request settled by processor webhook.
type CheckoutSession struct {
	ID                string `gorm:"primaryKey;size:32"`
	WalletID          string `gorm:"size:32;index"`
	ExternalSessionID string `gorm:"size:128;uniqueIndex"`
	AmountUsdCents    int64
	BtcUsdRate        float64
	AmountSats        int64
	Status            string `gorm:"size:16;index"`
	CompletedAt       *time.Time
	CreatedAt         time.Time
}

// Transaction is one immutable ledger entry. The unique reference index makes
// every externally-referenced credit idempotent.
type Transaction struct {
	ID                   string  `gorm:"primaryKey;size:32"`
	WalletID             string  `gorm:"size:32;index"`
	AgentID              *string `gorm:"size:32;index"`
	Type                 string  `gorm:"size:32"`
	Currency             string  `gorm:"size:16"`
	AmountSats           int64
	BalanceAfterSats     int64
	AmountUsdCents       *int64
	BalanceAfterUsdCents *int64
	ReferenceType        *string `gorm:"size:32;uniqueIndex:idx_tx_reference"`
	ReferenceID          *string `gorm:"size:64;uniqueIndex:idx_tx_reference"`
	Description          string  `gorm:"size:255"`
	CreatedAt            time.Time
}

// AuditLog is the append-only per-call record, one row per inbound call
// including denials.
type AuditLog struct {
	ID                string  `gorm:"primaryKey;size:32"`
	AgentID           string  `gorm:"size:32;index"`
	ServiceSlug       string  `gorm:"size:64"`
	Capability        *string `gorm:"size:32"`
	Operation         *string `gorm:"size:64"`
	PolicyResult      string  `gorm:"size:16"`
	PolicyReason      *string `gorm:"size:64"`
	QuotedSats        int64
	ChargedSats       *int64
	UpstreamStatus    *int
	UpstreamLatencyMs *int64
	ResponseMeta      *string `gorm:"type:text"`
	Error             *string `gorm:"size:255"`
	CreatedAt         time.Time
}

// RateSnapshot is one observed BTC/USD rate; the latest row is the oracle's
// current rate.
type RateSnapshot struct {
	ID        string    `gorm:"primaryKey;size:32"`
	BtcUsd    float64
	Source    string    `gorm:"size:64"`
	FetchedAt time.Time `gorm:"index"`
}

// Submission is a runtime service registration awaiting admin review.
type Submission struct {
	ID                string  `gorm:"primaryKey;size:32"`
	AccountID         string  `gorm:"size:32;index"`
	Slug              string  `gorm:"size:64;index"`
	Name              string  `gorm:"size:128"`
	BaseURL           string  `gorm:"size:255"`
	AuthType          string  `gorm:"size:32"`
	AuthCredentialEnv string  `gorm:"size:64"`
	Capability        string  `gorm:"size:32"`
	DefaultOperation  string  `gorm:"size:64"`
	Status            string  `gorm:"size:16;index"`
	ReviewedBy        *string `gorm:"size:64"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Submission review states.
const (
	SubmissionPending  = "pending"
	SubmissionApproved = "approved"
	SubmissionRejected = "rejected"
)

// AutoMigrate performs all schema migrations for the gateway.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&Agent{},
		&Wallet{},
		&Policy{},
		&Service{},
		&ServicePricing{},
		&Invoice{},
		&CheckoutSession{},
		&Transaction{},
		&AuditLog{},
		&RateSnapshot{},
		&Submission{},
	)
}

// SplitList decodes a comma-joined policy list. Nil means "no limit" and is
// distinct from an empty list.
func SplitList(raw *string) []string {
	if raw == nil {
		return nil
	}
	parts := strings.Split(*raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// JoinList encodes a policy list for persistence.
func JoinList(values []string) *string {
	if values == nil {
		return nil
	}
	joined := strings.Join(values, ",")
	return &joined
}
