// Package pipeline runs one metered call end to end: resolve, quote, policy,
// hold, execute, finalize, commit, audit. Money only moves between hold and
// commit; every other step leaves the ledger untouched.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"satgate/core/adapter"
	"satgate/core/ident"
	"satgate/core/ledger"
	"satgate/core/policy"
	"satgate/core/registry"
	"satgate/observability"
	"satgate/storage"
)

// CallResult is the successful outcome of a metered call.
type CallResult struct {
	Data             json.RawMessage
	UpstreamStatus   int
	QuotedSats       int64
	ChargedSats      int64
	BalanceAfterSats int64
	AuditID          string
}

// Pipeline owns the shared per-process state for metered calls and drives
// the call state machine.
type Pipeline struct {
	db       *gorm.DB
	registry *registry.Registry
	adapters *adapter.Set
	policies *policy.Engine
	ledger   *ledger.Ledger
	metrics  *observability.PipelineMetrics
	logger   *slog.Logger

	executeTimeout time.Duration
	callTimeout    time.Duration
	nowFn          func() time.Time
}

// Options tune the pipeline deadlines.
type Options struct {
	ExecuteTimeout time.Duration // per-call adapter deadline, default 60s
	CallTimeout    time.Duration // hard pipeline ceiling, default 120s
}

// New wires a pipeline over the shared components.
func New(db *gorm.DB, reg *registry.Registry, adapters *adapter.Set, policies *policy.Engine, led *ledger.Ledger, logger *slog.Logger, opts Options) *Pipeline {
	if opts.ExecuteTimeout <= 0 {
		opts.ExecuteTimeout = 60 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		db:             db,
		registry:       reg,
		adapters:       adapters,
		policies:       policies,
		ledger:         led,
		metrics:        observability.Pipeline(),
		logger:         logger,
		executeTimeout: opts.ExecuteTimeout,
		callTimeout:    opts.CallTimeout,
		nowFn:          time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.nowFn = now
	return p
}

// CallCapability resolves a capability verb to its active provider and runs
// the call. The agent has already been authenticated by the HTTP layer.
func (p *Pipeline) CallCapability(ctx context.Context, agent *storage.Agent, verb string, body map[string]any) (*CallResult, error) {
	slug, err := p.registry.Resolve(verb)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownCapability) {
			return nil, faultf(CodeNotFound, fmt.Sprintf("unknown capability %q", verb))
		}
		return nil, faultf(CodeNotFound, fmt.Sprintf("no active provider for capability %q", verb))
	}
	a, ok := p.adapters.Lookup(slug)
	if !ok {
		return nil, faultf(CodeNotFound, fmt.Sprintf("provider %q has no adapter", slug))
	}
	return p.run(ctx, agent, a, slug, verb, body)
}

// CallService dispatches directly to a provider by slug, bypassing verb
// resolution. Used by the raw proxy route.
func (p *Pipeline) CallService(ctx context.Context, agent *storage.Agent, slug string, body map[string]any) (*CallResult, error) {
	a, ok := p.adapters.Lookup(slug)
	if !ok {
		return nil, faultf(CodeNotFound, fmt.Sprintf("unknown service %q", slug))
	}
	return p.run(ctx, agent, a, slug, a.Capability(), body)
}

func (p *Pipeline) run(ctx context.Context, agent *storage.Agent, a adapter.Adapter, serviceSlug, capability string, body map[string]any) (*CallResult, error) {
	if agent == nil {
		return nil, faultf(CodeUnauthorized, "agent required")
	}
	started := p.nowFn()
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	quote, err := a.Quote(ctx, body)
	if err != nil {
		p.observe(capability, "rejected", started, 0, 0)
		return nil, p.adapterFault(err)
	}

	pol, err := p.loadPolicy(ctx, agent.ID)
	if err != nil {
		return nil, faultf(CodeInternal, "load policy")
	}
	decision, err := p.policies.Evaluate(ctx, agent, pol, serviceSlug, capability, quote.Sats)
	if err != nil {
		return nil, faultf(CodeInternal, "evaluate policy")
	}
	if !decision.Allowed {
		p.appendAudit(ctx, auditRow{
			agentID:      agent.ID,
			serviceSlug:  serviceSlug,
			capability:   capability,
			operation:    quote.Operation,
			policyResult: "denied",
			policyReason: decision.Reason,
			quotedSats:   quote.Sats,
			chargedSats:  ptr(int64(0)),
		})
		p.observe(capability, "rejected", started, quote.Sats, 0)
		if decision.Reason == policy.ReasonAgentNotActive {
			return nil, faultf(CodeUnauthorized, "agent is not active")
		}
		return nil, &Fault{
			Code:    CodePolicyDenied,
			Message: "call denied by policy",
			Details: map[string]any{"reason": decision.Reason},
		}
	}

	wallet, err := p.walletForAccount(ctx, agent.AccountID)
	if err != nil {
		return nil, faultf(CodeInternal, "load wallet")
	}

	if err := p.ledger.Hold(ctx, wallet.ID, quote.Sats, 0); err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			// Policy passed; only the balance stopped the call.
			p.appendAudit(ctx, auditRow{
				agentID:      agent.ID,
				serviceSlug:  serviceSlug,
				capability:   capability,
				operation:    quote.Operation,
				policyResult: "allowed",
				policyReason: decision.Reason,
				quotedSats:   quote.Sats,
				chargedSats:  ptr(int64(0)),
				errText:      CodeInsufficientBalance,
			})
			p.observe(capability, "rejected", started, quote.Sats, 0)
			return nil, &Fault{
				Code:    CodeInsufficientBalance,
				Message: "wallet cannot cover the quote",
				Details: map[string]any{
					"requiredSats":  insufficient.RequiredSats,
					"availableSats": insufficient.AvailableSats,
				},
			}
		}
		return nil, faultf(CodeInternal, "hold funds")
	}

	// Caller bailed between hold and execute: unwind before any upstream
	// traffic.
	if ctx.Err() != nil {
		p.releaseHold(wallet.ID, quote.Sats)
		p.observe(capability, "failed", started, quote.Sats, 0)
		return nil, faultf(CodeUpstream, "call cancelled before execution")
	}

	execCtx, execCancel := context.WithTimeout(ctx, p.executeTimeout)
	res, execErr := a.Execute(execCtx, body)
	execCancel()
	latencyMs := p.nowFn().Sub(started).Milliseconds()
	if execErr != nil {
		p.releaseHold(wallet.ID, quote.Sats)
		fault := p.adapterFault(execErr)
		row := auditRow{
			agentID:      agent.ID,
			serviceSlug:  serviceSlug,
			capability:   capability,
			operation:    quote.Operation,
			policyResult: "allowed",
			policyReason: decision.Reason,
			quotedSats:   quote.Sats,
			chargedSats:  ptr(int64(0)),
			latencyMs:    &latencyMs,
			errText:      fault.Code,
		}
		if res != nil && res.Status > 0 {
			row.upstreamStatus = &res.Status
		}
		// The failure record must outlive a caller that gave up mid-call.
		p.appendAudit(context.WithoutCancel(ctx), row)
		p.observe(capability, "failed", started, quote.Sats, 0)
		return nil, fault
	}

	final := a.Finalize(res, quote.Sats)
	if final < 0 {
		final = 0
	}
	if final > quote.Sats {
		final = quote.Sats
	}

	// Past this point the upstream has billed us; finish the commit even if
	// the caller has gone away.
	commitCtx, commitCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer commitCancel()

	auditID := ident.New(ident.PrefixAudit)
	tx, err := p.ledger.Debit(commitCtx, wallet.ID, agent.ID, quote.Sats, final,
		ledger.RefProxyCall, auditID, fmt.Sprintf("%s/%s", serviceSlug, quote.Operation))
	if err != nil {
		p.logger.Error("debit failed after execution", "wallet", wallet.ID, "audit", auditID, "error", err)
		p.observe(capability, "failed", started, quote.Sats, 0)
		return nil, faultf(CodeInternal, "commit charge")
	}
	p.policies.Invalidate(agent.ID)

	p.appendAudit(commitCtx, auditRow{
		id:             auditID,
		agentID:        agent.ID,
		serviceSlug:    serviceSlug,
		capability:     capability,
		operation:      quote.Operation,
		policyResult:   "allowed",
		policyReason:   decision.Reason,
		quotedSats:     quote.Sats,
		chargedSats:    &final,
		upstreamStatus: &res.Status,
		latencyMs:      &latencyMs,
	})
	p.observe(capability, "success", started, quote.Sats, final)

	return &CallResult{
		Data:             res.Data,
		UpstreamStatus:   res.Status,
		QuotedSats:       quote.Sats,
		ChargedSats:      final,
		BalanceAfterSats: tx.BalanceAfterSats,
		AuditID:          auditID,
	}, nil
}

// adapterFault maps adapter error types onto the exit taxonomy.
func (p *Pipeline) adapterFault(err error) *Fault {
	var invalid *adapter.ValidationError
	if errors.As(err, &invalid) {
		return faultf(CodeValidation, invalid.Message)
	}
	var upstream *adapter.UpstreamError
	if errors.As(err, &upstream) {
		return faultf(CodeUpstream, upstream.Message)
	}
	return faultf(CodeUpstream, err.Error())
}

func (p *Pipeline) loadPolicy(ctx context.Context, agentID string) (*storage.Policy, error) {
	var pol storage.Policy
	err := p.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&pol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pol, nil
}

func (p *Pipeline) walletForAccount(ctx context.Context, accountID string) (*storage.Wallet, error) {
	var wallet storage.Wallet
	if err := p.db.WithContext(ctx).Where("account_id = ?", accountID).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

// releaseHold unwinds a hold from an error path. Release failures are logged
// and swallowed: the caller already has a more useful error to surface.
func (p *Pipeline) releaseHold(walletID string, sats int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.ledger.ReleaseHold(ctx, walletID, sats); err != nil {
		p.logger.Error("release hold failed", "wallet", walletID, "sats", sats, "error", err)
	}
}

type auditRow struct {
	id             string
	agentID        string
	serviceSlug    string
	capability     string
	operation      string
	policyResult   string
	policyReason   string
	quotedSats     int64
	chargedSats    *int64
	upstreamStatus *int
	latencyMs      *int64
	errText        string
}

// appendAudit writes the advisory audit record. The ledger stays the source
// of truth, so an audit write failure is logged, not surfaced.
func (p *Pipeline) appendAudit(ctx context.Context, row auditRow) {
	if row.id == "" {
		row.id = ident.New(ident.PrefixAudit)
	}
	entry := &storage.AuditLog{
		ID:                row.id,
		AgentID:           row.agentID,
		ServiceSlug:       row.serviceSlug,
		PolicyResult:      row.policyResult,
		QuotedSats:        row.quotedSats,
		ChargedSats:       row.chargedSats,
		UpstreamStatus:    row.upstreamStatus,
		UpstreamLatencyMs: row.latencyMs,
		CreatedAt:         p.nowFn().UTC(),
	}
	if row.capability != "" {
		entry.Capability = &row.capability
	}
	if row.operation != "" {
		entry.Operation = &row.operation
	}
	if row.policyReason != "" {
		entry.PolicyReason = &row.policyReason
	}
	if row.errText != "" {
		entry.Error = &row.errText
	}
	if err := p.db.WithContext(ctx).Create(entry).Error; err != nil {
		p.logger.Error("audit append failed", "agent", row.agentID, "error", err)
	}
}

func (p *Pipeline) observe(capability, outcome string, started time.Time, quoted, charged int64) {
	p.metrics.Calls.WithLabelValues(capability, outcome).Inc()
	p.metrics.Latency.WithLabelValues(capability).Observe(p.nowFn().Sub(started).Seconds())
	if quoted > 0 {
		p.metrics.SatsQuoted.WithLabelValues(capability).Add(float64(quoted))
	}
	if charged > 0 {
		p.metrics.SatsCharged.WithLabelValues(capability).Add(float64(charged))
	}
}

func ptr[T any](v T) *T { return &v }
