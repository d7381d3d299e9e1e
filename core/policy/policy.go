// Package policy decides whether a quoted call may proceed for an agent.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"satgate/storage"
)

// Evaluation outcomes. The first failing check wins.
const (
	ReasonAllowed              = "allowed"
	ReasonAgentNotActive       = "agent_not_active"
	ReasonKillSwitch           = "kill_switch_active"
	ReasonServiceDenied        = "service_denied"
	ReasonServiceNotAllowed    = "service_not_allowed"
	ReasonCapabilityDenied     = "capability_denied"
	ReasonCapabilityNotAllowed = "capability_not_allowed"
	ReasonPerCallLimit         = "per_call_limit_exceeded"
	ReasonDailyLimit           = "daily_limit_exceeded"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// SpendFunc reports an agent's finalized spend since UTC midnight.
type SpendFunc func(ctx context.Context, agentID string) (int64, error)

type spendEntry struct {
	total     int64
	fetchedAt time.Time
}

// Engine evaluates policies. Daily spend is cached per agent; the cache is
// bypassed when the agent is within 10% of its cap or when the TTL is zero.
type Engine struct {
	spend SpendFunc
	ttl   time.Duration
	nowFn func() time.Time

	mu    sync.Mutex
	cache map[string]spendEntry
}

// NewEngine constructs an engine over the supplied spend source.
func NewEngine(spend SpendFunc, cacheTTL time.Duration) *Engine {
	return &Engine{
		spend: spend,
		ttl:   cacheTTL,
		nowFn: time.Now,
		cache: make(map[string]spendEntry),
	}
}

// WithClock overrides the clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.nowFn = now
	return e
}

// Evaluate runs the ordered checks for a quoted call. A nil policy imposes no
// limits beyond agent liveness.
func (e *Engine) Evaluate(ctx context.Context, agent *storage.Agent, pol *storage.Policy, serviceSlug, capability string, quotedSats int64) (Decision, error) {
	if agent == nil || agent.Status != storage.AgentActive {
		return Decision{Reason: ReasonAgentNotActive}, nil
	}
	if pol == nil {
		return Decision{Allowed: true, Reason: ReasonAllowed}, nil
	}
	if pol.KillSwitch {
		return Decision{Reason: ReasonKillSwitch}, nil
	}
	if contains(storage.SplitList(pol.DeniedServices), serviceSlug) {
		return Decision{Reason: ReasonServiceDenied}, nil
	}
	if allowed := storage.SplitList(pol.AllowedServices); allowed != nil && !contains(allowed, serviceSlug) {
		return Decision{Reason: ReasonServiceNotAllowed}, nil
	}
	if contains(storage.SplitList(pol.DeniedCapabilities), capability) {
		return Decision{Reason: ReasonCapabilityDenied}, nil
	}
	if allowed := storage.SplitList(pol.AllowedCapabilities); allowed != nil && !contains(allowed, capability) {
		return Decision{Reason: ReasonCapabilityNotAllowed}, nil
	}
	if pol.MaxPerCallSats != nil && quotedSats > *pol.MaxPerCallSats {
		return Decision{Reason: ReasonPerCallLimit}, nil
	}
	if pol.MaxPerDaySats != nil {
		spent, err := e.todaySpend(ctx, agent.ID, quotedSats, *pol.MaxPerDaySats)
		if err != nil {
			return Decision{}, err
		}
		if spent+quotedSats > *pol.MaxPerDaySats {
			return Decision{Reason: ReasonDailyLimit}, nil
		}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}, nil
}

// todaySpend returns the cached daily spend, refreshing when the entry is
// stale or when the quote would land within 10% of the cap.
func (e *Engine) todaySpend(ctx context.Context, agentID string, quotedSats, cap int64) (int64, error) {
	now := e.nowFn()
	if e.ttl > 0 {
		e.mu.Lock()
		entry, ok := e.cache[agentID]
		e.mu.Unlock()
		if ok && now.Sub(entry.fetchedAt) < e.ttl && !nearCap(entry.total, quotedSats, cap) {
			return entry.total, nil
		}
	}
	total, err := e.spend(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("fetch daily spend: %w", err)
	}
	e.mu.Lock()
	e.cache[agentID] = spendEntry{total: total, fetchedAt: now}
	e.mu.Unlock()
	return total, nil
}

// Invalidate drops the cached spend for an agent, called after a debit.
func (e *Engine) Invalidate(agentID string) {
	e.mu.Lock()
	delete(e.cache, agentID)
	e.mu.Unlock()
}

func nearCap(spent, quoted, cap int64) bool {
	if cap <= 0 {
		return true
	}
	return spent+quoted >= cap-cap/10
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
