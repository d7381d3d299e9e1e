package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"satgate/core/ident"
	"satgate/storage"
)

type rateSnapshot struct {
	btcUsd    float64
	source    string
	fetchedAt time.Time
}

// Oracle maintains the current BTC/USD rate and an in-process price cache.
// Reads are lock-free off atomic snapshots; only the refresh loop writes.
type Oracle struct {
	db       *gorm.DB
	sources  []Source
	interval time.Duration
	guard    RateGuard
	logger   *slog.Logger
	nowFn    func() time.Time

	rate  atomic.Pointer[rateSnapshot]
	cache atomic.Pointer[map[string]Price]
}

// NewOracle constructs an oracle over the configured sources.
func NewOracle(db *gorm.DB, sources []Source, interval time.Duration, logger *slog.Logger) (*Oracle, error) {
	if db == nil {
		return nil, fmt.Errorf("pricing: database required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("pricing: at least one rate source required")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Oracle{
		db:       db,
		sources:  append([]Source{}, sources...),
		interval: interval,
		logger:   logger,
		nowFn:    time.Now,
	}
	empty := map[string]Price{}
	o.cache.Store(&empty)
	return o, nil
}

// WithClock overrides the clock, for tests.
func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	o.nowFn = now
	return o
}

// WithGuard installs rate guardrails. Must be called before Run.
func (o *Oracle) WithGuard(guard RateGuard) *Oracle {
	if guard.AverageWindow <= 0 {
		guard.AverageWindow = time.Hour
	}
	o.guard = guard
	return o
}

// Bootstrap loads the latest persisted rate snapshot and warms the price
// cache so the gateway can quote before the first refresh completes.
func (o *Oracle) Bootstrap(ctx context.Context) error {
	var snapshot storage.RateSnapshot
	err := o.db.WithContext(ctx).Order("fetched_at DESC").First(&snapshot).Error
	switch {
	case err == nil:
		// A snapshot past the freshness window cannot seed the rate; the
		// first refresh will.
		if status := o.guard.Classify(snapshot.BtcUsd, snapshot.FetchedAt, o.nowFn().UTC(), 0); status == RateStale {
			o.logger.Warn("stored rate snapshot too old", "fetched_at", snapshot.FetchedAt)
		} else {
			o.rate.Store(&rateSnapshot{btcUsd: snapshot.BtcUsd, source: snapshot.Source, fetchedAt: snapshot.FetchedAt})
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("load rate snapshot: %w", err)
	}
	return o.reloadCache(ctx)
}

// Run blocks, refreshing the rate until the context is cancelled.
func (o *Oracle) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		if err := o.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Warn("rate refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick fetches a fresh rate from the first source that answers, appends a
// RateSnapshot, and recomputes the sats column across all pricing rows.
func (o *Oracle) Tick(ctx context.Context) error {
	var lastErr error
	for _, src := range o.sources {
		rate, err := src.FetchRate(ctx)
		if err != nil {
			o.logger.Warn("rate source failed", "source", src.Name(), "error", err)
			lastErr = err
			continue
		}
		return o.apply(ctx, rate, src.Name())
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no rate sources configured")
	}
	return fmt.Errorf("all rate sources failed: %w", lastErr)
}

func (o *Oracle) apply(ctx context.Context, btcUsd float64, source string) error {
	now := o.nowFn().UTC()
	if o.guard.checksDeviation() {
		avg, err := o.trailingAverage(ctx, now)
		if err != nil {
			return err
		}
		if status := o.guard.Classify(btcUsd, now, now, avg); status != RateOK {
			return fmt.Errorf("rate %.2f from %s rejected: %s vs trailing average %.2f", btcUsd, source, status, avg)
		}
	}
	snapshot := &storage.RateSnapshot{
		ID:        ident.New(ident.PrefixRateSnapshot),
		BtcUsd:    btcUsd,
		Source:    source,
		FetchedAt: now,
	}
	if err := o.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("append rate snapshot: %w", err)
	}
	o.rate.Store(&rateSnapshot{btcUsd: btcUsd, source: source, fetchedAt: now})

	var rows []storage.ServicePricing
	if err := o.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("load pricing rows: %w", err)
	}
	for i := range rows {
		sats := SatsFromUsdMicros(rows[i].PriceUsdMicros, btcUsd)
		if sats == rows[i].PriceSats {
			continue
		}
		if err := o.db.WithContext(ctx).Model(&storage.ServicePricing{}).
			Where("id = ?", rows[i].ID).
			Updates(map[string]any{"price_sats": sats, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("update pricing row %s: %w", rows[i].ID, err)
		}
	}
	return o.reloadCache(ctx)
}

// trailingAverage returns the mean of snapshots inside the guard window, or
// zero when there is no history yet.
func (o *Oracle) trailingAverage(ctx context.Context, now time.Time) (float64, error) {
	var avg *float64
	err := o.db.WithContext(ctx).
		Model(&storage.RateSnapshot{}).
		Select("AVG(btc_usd)").
		Where("fetched_at >= ?", now.Add(-o.guard.AverageWindow)).
		Scan(&avg).Error
	if err != nil {
		return 0, fmt.Errorf("trailing rate average: %w", err)
	}
	if avg == nil {
		return 0, nil
	}
	return *avg, nil
}

// reloadCache rebuilds the price snapshot map from the pricing table.
func (o *Oracle) reloadCache(ctx context.Context) error {
	type joined struct {
		storage.ServicePricing
		Slug string
	}
	var rows []joined
	err := o.db.WithContext(ctx).
		Model(&storage.ServicePricing{}).
		Select("service_pricings.*, services.slug AS slug").
		Joins("JOIN services ON services.id = service_pricings.service_id").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("load price cache: %w", err)
	}
	next := make(map[string]Price, len(rows))
	for _, row := range rows {
		next[priceKey(row.Slug, row.Operation)] = Price{
			ServiceSlug:    row.Slug,
			Operation:      row.Operation,
			CostUsdMicros:  row.CostUsdMicros,
			PriceUsdMicros: row.PriceUsdMicros,
			PriceSats:      row.PriceSats,
			Unit:           row.Unit,
		}
	}
	o.cache.Store(&next)
	return nil
}

// Invalidate rebuilds the cache after an out-of-band pricing change.
func (o *Oracle) Invalidate(ctx context.Context) error {
	return o.reloadCache(ctx)
}

// Rate returns the current BTC/USD rate.
func (o *Oracle) Rate() (float64, error) {
	snap := o.rate.Load()
	if snap == nil || snap.btcUsd <= 0 {
		return 0, ErrNoRate
	}
	return snap.btcUsd, nil
}

// Price returns the cached price for a (service, operation) pair.
func (o *Oracle) Price(serviceSlug, operation string) (Price, error) {
	cache := o.cache.Load()
	if cache == nil {
		return Price{}, ErrPriceNotFound
	}
	price, ok := (*cache)[priceKey(serviceSlug, operation)]
	if !ok {
		return Price{}, ErrPriceNotFound
	}
	return price, nil
}
