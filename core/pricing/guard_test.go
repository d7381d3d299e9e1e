package pricing

import (
	"context"
	"testing"
	"time"
)

func TestRateGuardClassify(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	guard := RateGuard{MaxAge: 10 * time.Minute, MaxDeviationBps: 500, AverageWindow: time.Hour}

	cases := []struct {
		name       string
		candidate  float64
		observedAt time.Time
		avg        float64
		want       RateStatus
	}{
		{"fresh in range", 50_500, now, 50_000, RateOK},
		{"no history yet", 50_000, now, 0, RateOK},
		{"too old", 50_000, now.Add(-11 * time.Minute), 50_000, RateStale},
		{"zero timestamp", 50_000, time.Time{}, 50_000, RateStale},
		{"drift above threshold", 53_000, now, 50_000, RateDeviant},
		{"drift below threshold", 47_000, now, 50_000, RateDeviant},
		{"exactly at threshold", 52_500, now, 50_000, RateOK},
	}
	for _, tc := range cases {
		if got := guard.Classify(tc.candidate, tc.observedAt, now, tc.avg); got != tc.want {
			t.Fatalf("%s: Classify = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestGuardRejectsDeviantTick(t *testing.T) {
	src := &staticSource{name: "static", rate: 50_000}
	oracle, _ := newTestOracle(t, "pricing_guard_deviant", src)
	oracle.WithGuard(RateGuard{MaxDeviationBps: 500, AverageWindow: time.Hour})

	if err := oracle.Tick(context.Background()); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	// A 20% jump against a 5% guard must not land.
	src.rate = 60_000
	if err := oracle.Tick(context.Background()); err == nil {
		t.Fatal("deviant rate should be rejected")
	}
	rate, err := oracle.Rate()
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate != 50_000 {
		t.Fatalf("rate = %v, want previous 50000", rate)
	}

	// A move inside the band is accepted.
	src.rate = 51_000
	if err := oracle.Tick(context.Background()); err != nil {
		t.Fatalf("in-band tick: %v", err)
	}
	rate, _ = oracle.Rate()
	if rate != 51_000 {
		t.Fatalf("rate = %v, want 51000", rate)
	}
}

func TestBootstrapSkipsStaleSnapshot(t *testing.T) {
	src := &staticSource{name: "static", rate: 50_000}
	oracle, _ := newTestOracle(t, "pricing_guard_stale", src)
	past := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	oracle.WithClock(func() time.Time { return past })
	if err := oracle.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	fresh, err := NewOracle(oracle.db, []Source{src}, time.Minute, discard())
	if err != nil {
		t.Fatalf("new oracle: %v", err)
	}
	fresh.WithGuard(RateGuard{MaxAge: time.Hour})
	if err := fresh.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := fresh.Rate(); err == nil {
		t.Fatal("stale snapshot should not seed the rate")
	}
}
