// Package ledger owns all wallet mutations. Every method runs inside one
// database transaction with the wallet row locked FOR UPDATE, so per-wallet
// mutations are linearized and balances can never race below zero.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"satgate/core/ident"
	"satgate/storage"
)

// Transaction types.
const (
	TypeDebit          = "debit"
	TypeCreditInvoice  = "credit_invoice"
	TypeCreditCheckout = "credit_checkout"
)

// Reference types for idempotent entries.
const (
	RefProxyCall = "proxy_call"
	RefInvoice   = "invoice"
	RefCheckout  = "checkout"
)

// ErrWalletNotFound reports an unknown wallet id.
var ErrWalletNotFound = errors.New("ledger: wallet not found")

// ErrHeldUnderflow reports an attempt to settle or release more than is held.
var ErrHeldUnderflow = errors.New("ledger: held amount underflow")

// InsufficientBalanceError carries the shortfall for the 402 response body.
// Currency names the balance that fell short; only that currency's pair of
// figures is populated.
type InsufficientBalanceError struct {
	Currency          string
	RequiredSats      int64
	AvailableSats     int64
	RequiredUsdCents  int64
	AvailableUsdCents int64
}

func (e *InsufficientBalanceError) Error() string {
	if e.Currency == storage.CurrencyUsdCents {
		return fmt.Sprintf("ledger: insufficient balance: required %d usd cents, available %d", e.RequiredUsdCents, e.AvailableUsdCents)
	}
	return fmt.Sprintf("ledger: insufficient balance: required %d sats, available %d", e.RequiredSats, e.AvailableSats)
}

// Ledger applies atomic mutations to wallets and appends transaction rows.
type Ledger struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// New constructs a ledger over the supplied database handle.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db, nowFn: time.Now}
}

// WithClock overrides the clock, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.nowFn = now
	return l
}

func (l *Ledger) lockWallet(tx *gorm.DB, walletID string) (*storage.Wallet, error) {
	var wallet storage.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&wallet, "id = ?", walletID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &wallet, nil
}

// findByReference returns an existing transaction row for the reference pair,
// or nil. Called before mutating so that replayed credits are no-ops.
func findByReference(tx *gorm.DB, refType, refID string) (*storage.Transaction, error) {
	var existing storage.Transaction
	err := tx.First(&existing, "reference_type = ? AND reference_id = ?", refType, refID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup reference: %w", err)
	}
	return &existing, nil
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// Hold moves the quoted amount from balance to held. It fails with
// *InsufficientBalanceError when the wallet cannot cover the quote. No
// transaction row is written; holds are transient and settle via Debit or
// unwind via ReleaseHold.
func (l *Ledger) Hold(ctx context.Context, walletID string, sats, usdCents int64) error {
	if sats < 0 || usdCents < 0 {
		return fmt.Errorf("ledger: hold amounts must be non-negative")
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := l.lockWallet(tx, walletID)
		if err != nil {
			return err
		}
		if wallet.BalanceSats < sats {
			return &InsufficientBalanceError{
				Currency:      storage.CurrencySats,
				RequiredSats:  sats,
				AvailableSats: wallet.BalanceSats,
			}
		}
		if wallet.BalanceUsdCents < usdCents {
			return &InsufficientBalanceError{
				Currency:          storage.CurrencyUsdCents,
				RequiredUsdCents:  usdCents,
				AvailableUsdCents: wallet.BalanceUsdCents,
			}
		}
		wallet.BalanceSats -= sats
		wallet.HeldSats += sats
		wallet.BalanceUsdCents -= usdCents
		wallet.HeldUsdCents += usdCents
		wallet.UpdatedAt = l.nowFn().UTC()
		return tx.Save(wallet).Error
	})
}

// ReleaseHold returns held funds to balance. Error paths call this exactly
// once per hold; the pipeline guards against double release.
func (l *Ledger) ReleaseHold(ctx context.Context, walletID string, sats int64) error {
	if sats < 0 {
		return fmt.Errorf("ledger: release amount must be non-negative")
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := l.lockWallet(tx, walletID)
		if err != nil {
			return err
		}
		if wallet.HeldSats < sats {
			return ErrHeldUnderflow
		}
		wallet.HeldSats -= sats
		wallet.BalanceSats += sats
		wallet.UpdatedAt = l.nowFn().UTC()
		return tx.Save(wallet).Error
	})
}

// Debit settles a held quote at the finalized amount: held -= quoted,
// balance += quoted-final, lifetimeOut += final. The reference pair
// deduplicates replays; a duplicate returns the prior row without mutating.
func (l *Ledger) Debit(ctx context.Context, walletID, agentID string, quoted, final int64, refType, refID, description string) (*storage.Transaction, error) {
	if final < 0 || quoted < 0 {
		return nil, fmt.Errorf("ledger: debit amounts must be non-negative")
	}
	if final > quoted {
		return nil, fmt.Errorf("ledger: finalized amount %d exceeds quote %d", final, quoted)
	}
	var row *storage.Transaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findByReference(tx, refType, refID)
		if err != nil {
			return err
		}
		if existing != nil {
			row = existing
			return nil
		}
		wallet, err := l.lockWallet(tx, walletID)
		if err != nil {
			return err
		}
		if wallet.HeldSats < quoted {
			return ErrHeldUnderflow
		}
		wallet.HeldSats -= quoted
		wallet.BalanceSats += quoted - final
		wallet.LifetimeOutSats += final
		wallet.UpdatedAt = l.nowFn().UTC()
		if err := tx.Save(wallet).Error; err != nil {
			return err
		}
		entry := &storage.Transaction{
			ID:               ident.New(ident.PrefixTransaction),
			WalletID:         wallet.ID,
			AgentID:          &agentID,
			Type:             TypeDebit,
			Currency:         storage.CurrencySats,
			AmountSats:       final,
			BalanceAfterSats: wallet.BalanceSats,
			ReferenceType:    &refType,
			ReferenceID:      &refID,
			Description:      description,
			CreatedAt:        l.nowFn().UTC(),
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		row = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// CreditFromInvoice credits settled Lightning funds. Idempotent on
// (invoice, invoiceID): replaying a settle event credits at most once.
func (l *Ledger) CreditFromInvoice(ctx context.Context, walletID string, sats int64, invoiceID string) (*storage.Transaction, error) {
	if sats <= 0 {
		return nil, fmt.Errorf("ledger: credit amount must be positive")
	}
	var row *storage.Transaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findByReference(tx, RefInvoice, invoiceID)
		if err != nil {
			return err
		}
		if existing != nil {
			row = existing
			return nil
		}
		wallet, err := l.lockWallet(tx, walletID)
		if err != nil {
			return err
		}
		wallet.BalanceSats += sats
		wallet.LifetimeInSats += sats
		wallet.UpdatedAt = l.nowFn().UTC()
		if err := tx.Save(wallet).Error; err != nil {
			return err
		}
		refType := RefInvoice
		refID := invoiceID
		entry := &storage.Transaction{
			ID:               ident.New(ident.PrefixTransaction),
			WalletID:         wallet.ID,
			Type:             TypeCreditInvoice,
			Currency:         storage.CurrencySats,
			AmountSats:       sats,
			BalanceAfterSats: wallet.BalanceSats,
			ReferenceType:    &refType,
			ReferenceID:      &refID,
			Description:      "lightning invoice settled",
			CreatedAt:        l.nowFn().UTC(),
		}
		if err := tx.Create(entry).Error; err != nil {
			if isDuplicateErr(err) {
				prior, lookupErr := findByReference(tx, RefInvoice, invoiceID)
				if lookupErr == nil && prior != nil {
					row = prior
					return nil
				}
			}
			return err
		}
		row = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// CreditFromCheckout credits card funds in USD cents. The sats equivalent at
// the session's snapshot rate is recorded on the row for reporting only and
// never touches the sats balance.
func (l *Ledger) CreditFromCheckout(ctx context.Context, walletID string, usdCents, satsEquivalent int64, sessionID string) (*storage.Transaction, error) {
	if usdCents <= 0 {
		return nil, fmt.Errorf("ledger: credit amount must be positive")
	}
	var row *storage.Transaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findByReference(tx, RefCheckout, sessionID)
		if err != nil {
			return err
		}
		if existing != nil {
			row = existing
			return nil
		}
		wallet, err := l.lockWallet(tx, walletID)
		if err != nil {
			return err
		}
		wallet.BalanceUsdCents += usdCents
		wallet.LifetimeInUsdCents += usdCents
		wallet.UpdatedAt = l.nowFn().UTC()
		if err := tx.Save(wallet).Error; err != nil {
			return err
		}
		refType := RefCheckout
		refID := sessionID
		balanceAfterUsd := wallet.BalanceUsdCents
		entry := &storage.Transaction{
			ID:                   ident.New(ident.PrefixTransaction),
			WalletID:             wallet.ID,
			Type:                 TypeCreditCheckout,
			Currency:             storage.CurrencyUsdCents,
			AmountSats:           satsEquivalent,
			BalanceAfterSats:     wallet.BalanceSats,
			AmountUsdCents:       &usdCents,
			BalanceAfterUsdCents: &balanceAfterUsd,
			ReferenceType:        &refType,
			ReferenceID:          &refID,
			Description:          "card checkout completed",
			CreatedAt:            l.nowFn().UTC(),
		}
		if err := tx.Create(entry).Error; err != nil {
			if isDuplicateErr(err) {
				prior, lookupErr := findByReference(tx, RefCheckout, sessionID)
				if lookupErr == nil && prior != nil {
					row = prior
					return nil
				}
			}
			return err
		}
		row = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// SpentToday sums finalized debit charges for the agent since UTC midnight.
func (l *Ledger) SpentToday(ctx context.Context, agentID string) (int64, error) {
	now := l.nowFn().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var total int64
	err := l.db.WithContext(ctx).
		Model(&storage.Transaction{}).
		Where("agent_id = ? AND type = ? AND created_at >= ?", agentID, TypeDebit, midnight).
		Select("COALESCE(SUM(amount_sats), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum daily spend: %w", err)
	}
	return total, nil
}

// Wallet loads the current wallet row outside any lock, for read paths.
func (l *Ledger) Wallet(ctx context.Context, walletID string) (*storage.Wallet, error) {
	var wallet storage.Wallet
	err := l.db.WithContext(ctx).First(&wallet, "id = ?", walletID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return &wallet, nil
}
