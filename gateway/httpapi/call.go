package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"satgate/core/pipeline"
	"satgate/gateway/middleware"
	"satgate/gateway/respond"
)

type callMetadata struct {
	QuotedSats   int64  `json:"quotedSats"`
	ChargedSats  int64  `json:"chargedSats"`
	BalanceAfter int64  `json:"balanceAfter"`
	AuditID      string `json:"auditId"`
}

type callResponse struct {
	Data     json.RawMessage `json:"data"`
	Metadata callMetadata    `json:"metadata"`
}

func (s *Server) writeCallResult(w http.ResponseWriter, res *pipeline.CallResult) {
	data := res.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	respond.JSON(w, http.StatusOK, callResponse{
		Data: data,
		Metadata: callMetadata{
			QuotedSats:   res.QuotedSats,
			ChargedSats:  res.ChargedSats,
			BalanceAfter: res.BalanceAfterSats,
			AuditID:      res.AuditID,
		},
	})
}

// handleInvoke runs a metered call through the capability resolver.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFrom(r.Context())
	verb := chi.URLParam(r, "verb")
	var body map[string]any
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	res, err := s.cfg.Pipeline.CallCapability(r.Context(), agent, verb, body)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeCallResult(w, res)
}

// handleProxy runs a metered call against a provider picked by slug.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFrom(r.Context())
	slug := chi.URLParam(r, "serviceSlug")
	var body map[string]any
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	res, err := s.cfg.Pipeline.CallService(r.Context(), agent, slug, body)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeCallResult(w, res)
}
