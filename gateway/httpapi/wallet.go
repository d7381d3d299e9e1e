package httpapi

import (
	"net/http"
	"time"

	"github.com/btcsuite/btcutil"

	"satgate/core/pipeline"
	"satgate/gateway/middleware"
	"satgate/gateway/respond"
	"satgate/settle/checkout"
	"satgate/settle/lightning"
	"satgate/storage"
)

type walletView struct {
	ID                  string  `json:"id"`
	BalanceSats         int64   `json:"balanceSats"`
	BalanceBtc          float64 `json:"balanceBtc"`
	HeldSats            int64   `json:"heldSats"`
	LifetimeInSats      int64   `json:"lifetimeInSats"`
	LifetimeOutSats     int64   `json:"lifetimeOutSats"`
	BalanceUsdCents     int64   `json:"balanceUsdCents"`
	HeldUsdCents        int64   `json:"heldUsdCents"`
	LifetimeInUsdCents  int64   `json:"lifetimeInUsdCents"`
	LifetimeOutUsdCents int64   `json:"lifetimeOutUsdCents"`
}

func viewWallet(w *storage.Wallet) walletView {
	return walletView{
		ID:                  w.ID,
		BalanceSats:         w.BalanceSats,
		BalanceBtc:          btcutil.Amount(w.BalanceSats).ToBTC(),
		HeldSats:            w.HeldSats,
		LifetimeInSats:      w.LifetimeInSats,
		LifetimeOutSats:     w.LifetimeOutSats,
		BalanceUsdCents:     w.BalanceUsdCents,
		HeldUsdCents:        w.HeldUsdCents,
		LifetimeInUsdCents:  w.LifetimeInUsdCents,
		LifetimeOutUsdCents: w.LifetimeOutUsdCents,
	}
}

func (s *Server) walletForCaller(r *http.Request) (*storage.Wallet, error) {
	caller := middleware.AgentFrom(r.Context())
	var wallet storage.Wallet
	if err := s.cfg.DB.WithContext(r.Context()).Where("account_id = ?", caller.AccountID).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.walletForCaller(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"wallet": viewWallet(wallet)})
}

type fundRequest struct {
	AmountSats int64 `json:"amountSats"`
}

// handleFund issues a Lightning invoice; the settler credits the wallet when
// the node reports settlement.
func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	if s.cfg.InvoiceIssuer == nil {
		respond.Error(w, http.StatusServiceUnavailable, "INTERNAL", "lightning funding not configured", nil)
		return
	}
	var req fundRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.AmountSats <= 0 {
		badRequest(w, "amountSats must be positive")
		return
	}
	wallet, err := s.walletForCaller(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	caller := middleware.AgentFrom(r.Context())
	pol, err := s.policyForAgent(r, caller.ID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	// The cap counts held sats too; they return to balance when a hold
	// unwinds.
	if pol != nil && pol.MaxBalanceSats != nil && wallet.BalanceSats+wallet.HeldSats+req.AmountSats > *pol.MaxBalanceSats {
		respond.Error(w, http.StatusForbidden, "POLICY_DENIED", "funding would exceed the balance cap", map[string]any{
			"maxBalanceSats": *pol.MaxBalanceSats,
			"balanceSats":    wallet.BalanceSats,
			"heldSats":       wallet.HeldSats,
		})
		return
	}
	invoice, err := lightning.IssueInvoice(r.Context(), s.cfg.DB, s.cfg.InvoiceIssuer, wallet.ID, req.AmountSats, s.cfg.InvoiceTTL)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]any{
		"invoiceId":      invoice.ID,
		"paymentRequest": invoice.PaymentRequest,
		"rHash":          invoice.RHash,
		"amountSats":     invoice.AmountSats,
		"expiresAt":      invoice.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type fundCardRequest struct {
	AmountUsdCents int64 `json:"amountUsdCents"`
}

// handleFundCard opens a hosted checkout session; the webhook settler
// credits the USD balance on completion.
func (s *Server) handleFundCard(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Sessions == nil {
		respond.Error(w, http.StatusServiceUnavailable, "INTERNAL", "card funding not configured", nil)
		return
	}
	var req fundCardRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.AmountUsdCents <= 0 {
		badRequest(w, "amountUsdCents must be positive")
		return
	}
	wallet, err := s.walletForCaller(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	rate, err := s.cfg.Oracle.Rate()
	if err != nil {
		s.writeFault(w, &pipeline.Fault{Code: "UPSTREAM_ERROR", Message: "exchange rate unavailable"})
		return
	}
	session, checkoutURL, err := checkout.FundCard(r.Context(), s.cfg.DB, s.cfg.Sessions, wallet.ID,
		req.AmountUsdCents, rate, s.cfg.SuccessURL, s.cfg.CancelURL)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]any{
		"sessionId":   session.ID,
		"checkoutUrl": checkoutURL,
	})
}
