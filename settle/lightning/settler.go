// Package lightning settles wallet funding through a Lightning node: it
// issues invoices, consumes the node's invoice event stream, and credits the
// ledger exactly once per settled payment hash.
package lightning

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gorm.io/gorm"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"satgate/core/ledger"
	"satgate/observability"
	"satgate/storage"
)

// Event is one invoice update pushed by the node.
type Event struct {
	RHash      string `json:"r_hash"`
	AmountSats int64  `json:"amount_sats"`
	State      string `json:"state"`
}

// Stream yields invoice events until the connection drops.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens a fresh stream; the settler redials through it on failure.
type Dialer func(ctx context.Context) (Stream, error)

// Settler consumes invoice events and applies ledger credits.
type Settler struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	logger  *slog.Logger
	metrics *observability.SettlerMetrics
	dial    Dialer

	reconnectBase time.Duration
	expirySweep   time.Duration
	nowFn         func() time.Time
}

// New wires a settler over the supplied dialer.
func New(db *gorm.DB, led *ledger.Ledger, dial Dialer, reconnectBase, expirySweep time.Duration, logger *slog.Logger) *Settler {
	if reconnectBase <= 0 {
		reconnectBase = time.Second
	}
	if expirySweep <= 0 {
		expirySweep = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		db:            db,
		ledger:        led,
		logger:        logger,
		metrics:       observability.Settler(),
		dial:          dial,
		reconnectBase: reconnectBase,
		expirySweep:   expirySweep,
		nowFn:         time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (s *Settler) WithClock(now func() time.Time) *Settler {
	s.nowFn = now
	return s
}

// Run consumes the node stream until the context is cancelled, redialing
// with exponential backoff capped at 30s.
func (s *Settler) Run(ctx context.Context) error {
	backoff := s.reconnectBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stream, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("invoice stream dial failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = s.reconnectBase
		err = s.consume(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("invoice stream closed", "error", err)
	}
}

func (s *Settler) consume(ctx context.Context, stream Stream) error {
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.HandleEvent(ctx, event); err != nil {
			s.logger.Error("settle event failed", "r_hash", event.RHash, "error", err)
		}
	}
}

// HandleEvent applies one invoice event. Settlement claims the invoice row
// atomically: whichever writer flips pending to settled performs the credit,
// every other observer of the same r_hash discards.
func (s *Settler) HandleEvent(ctx context.Context, event Event) error {
	if event.State != "settled" {
		s.metrics.Events.WithLabelValues("lightning", "ignored").Inc()
		return nil
	}
	now := s.nowFn().UTC()
	claim := s.db.WithContext(ctx).Model(&storage.Invoice{}).
		Where("r_hash = ? AND status = ?", event.RHash, storage.InvoicePending).
		Updates(map[string]any{"status": storage.InvoiceSettled, "settled_at": now})
	if claim.Error != nil {
		return fmt.Errorf("claim invoice: %w", claim.Error)
	}
	if claim.RowsAffected == 0 {
		// Unknown hash or a sibling already claimed it.
		s.logger.Info("discarding settle event", "r_hash", event.RHash)
		s.metrics.Events.WithLabelValues("lightning", "discarded").Inc()
		return nil
	}
	var invoice storage.Invoice
	if err := s.db.WithContext(ctx).First(&invoice, "r_hash = ?", event.RHash).Error; err != nil {
		return fmt.Errorf("load claimed invoice: %w", err)
	}
	if _, err := s.ledger.CreditFromInvoice(ctx, invoice.WalletID, invoice.AmountSats, invoice.ID); err != nil {
		return fmt.Errorf("credit invoice %s: %w", invoice.ID, err)
	}
	s.metrics.Events.WithLabelValues("lightning", "settled").Inc()
	s.metrics.Credits.WithLabelValues("lightning").Inc()
	return nil
}

// RunExpiry sweeps pending invoices past their deadline until the context is
// cancelled.
func (s *Settler) RunExpiry(ctx context.Context) error {
	ticker := time.NewTicker(s.expirySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("invoice expiry sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("expired invoices", "count", n)
			}
		}
	}
}

// Sweep transitions pending invoices past expires_at to expired and reports
// how many rows moved.
func (s *Settler) Sweep(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&storage.Invoice{}).
		Where("status = ? AND expires_at < ?", storage.InvoicePending, s.nowFn().UTC()).
		Update("status", storage.InvoiceExpired)
	return res.RowsAffected, res.Error
}

// WebsocketDialer connects to the node's invoice stream endpoint. The
// macaroon env name is read directly; it is operator configuration, not a
// runtime service descriptor.
func WebsocketDialer(streamURL, macaroonEnv string) Dialer {
	return func(ctx context.Context) (Stream, error) {
		header := http.Header{}
		if macaroonEnv != "" {
			macaroon := os.Getenv(macaroonEnv)
			if macaroon == "" {
				return nil, fmt.Errorf("lightning: macaroon env %s not set", macaroonEnv)
			}
			header.Set("Grpc-Metadata-Macaroon", macaroon)
		}
		conn, _, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return nil, fmt.Errorf("dial invoice stream: %w", err)
		}
		return &wsStream{conn: conn}, nil
	}
}

type wsStream struct {
	conn *websocket.Conn
}

func (w *wsStream) Next(ctx context.Context) (Event, error) {
	var event Event
	if err := wsjson.Read(ctx, w.conn, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (w *wsStream) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "shutting down")
}
