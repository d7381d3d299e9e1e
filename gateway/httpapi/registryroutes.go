package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"satgate/core/adapter"
	"satgate/core/ident"
	"satgate/core/pricing"
	"satgate/core/registry"
	"satgate/gateway/middleware"
	"satgate/gateway/respond"
	"satgate/storage"
)

type submitRequest struct {
	Slug              string `json:"slug"`
	Name              string `json:"name"`
	BaseURL           string `json:"baseUrl"`
	AuthType          string `json:"authType"`
	AuthCredentialEnv string `json:"authCredentialEnv"`
	Capability        string `json:"capability"`
	DefaultOperation  string `json:"defaultOperation"`
}

func (req *submitRequest) descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		Slug:              strings.TrimSpace(req.Slug),
		BaseURL:           strings.TrimSpace(req.BaseURL),
		AuthType:          strings.TrimSpace(req.AuthType),
		AuthCredentialEnv: strings.TrimSpace(req.AuthCredentialEnv),
		Capability:        strings.TrimSpace(req.Capability),
		DefaultOperation:  strings.TrimSpace(req.DefaultOperation),
	}
}

// handleSubmit records a runtime service registration for admin review. The
// descriptor is validated up front so review never sees a broken submission.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFrom(r.Context())
	var req submitRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	desc := req.descriptor()
	if strings.TrimSpace(req.Name) == "" {
		badRequest(w, "name is required")
		return
	}
	if !registry.IsVerb(desc.Capability) {
		badRequest(w, fmt.Sprintf("unknown capability %q", desc.Capability))
		return
	}
	// Dry-run construction surfaces every descriptor problem, including a
	// credential env outside the allowlist.
	if _, err := adapter.NewGeneric(desc, s.cfg.Oracle, nil); err != nil {
		badRequest(w, err.Error())
		return
	}
	now := time.Now().UTC()
	submission := &storage.Submission{
		ID:                ident.New(ident.PrefixSubmission),
		AccountID:         caller.AccountID,
		Slug:              desc.Slug,
		Name:              strings.TrimSpace(req.Name),
		BaseURL:           desc.BaseURL,
		AuthType:          desc.AuthType,
		AuthCredentialEnv: desc.AuthCredentialEnv,
		Capability:        desc.Capability,
		DefaultOperation:  desc.DefaultOperation,
		Status:            storage.SubmissionPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.cfg.DB.WithContext(r.Context()).Create(submission).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]any{"submission": viewSubmission(submission)})
}

type submissionView struct {
	ID                string  `json:"id"`
	AccountID         string  `json:"accountId"`
	Slug              string  `json:"slug"`
	Name              string  `json:"name"`
	BaseURL           string  `json:"baseUrl"`
	AuthType          string  `json:"authType"`
	AuthCredentialEnv string  `json:"authCredentialEnv"`
	Capability        string  `json:"capability"`
	DefaultOperation  string  `json:"defaultOperation"`
	Status            string  `json:"status"`
	ReviewedBy        *string `json:"reviewedBy,omitempty"`
	CreatedAt         string  `json:"createdAt"`
}

func viewSubmission(sub *storage.Submission) submissionView {
	return submissionView{
		ID:                sub.ID,
		AccountID:         sub.AccountID,
		Slug:              sub.Slug,
		Name:              sub.Name,
		BaseURL:           sub.BaseURL,
		AuthType:          sub.AuthType,
		AuthCredentialEnv: sub.AuthCredentialEnv,
		Capability:        sub.Capability,
		DefaultOperation:  sub.DefaultOperation,
		Status:            sub.Status,
		ReviewedBy:        sub.ReviewedBy,
		CreatedAt:         sub.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = storage.SubmissionPending
	}
	var rows []storage.Submission
	if err := s.cfg.DB.WithContext(r.Context()).Where("status = ?", status).Order("created_at").Find(&rows).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	views := make([]submissionView, 0, len(rows))
	for i := range rows {
		views = append(views, viewSubmission(&rows[i]))
	}
	respond.JSON(w, http.StatusOK, map[string]any{"submissions": views})
}

func (s *Server) loadPendingSubmission(r *http.Request) (*storage.Submission, error) {
	id := chi.URLParam(r, "id")
	var sub storage.Submission
	if err := s.cfg.DB.WithContext(r.Context()).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

type approveRequest struct {
	Priority int `json:"priority"`
	Pricing  []struct {
		Operation      string `json:"operation"`
		PriceUsdMicros int64  `json:"priceUsdMicros"`
		Unit           string `json:"unit"`
	} `json:"pricing"`
}

// handleApprove promotes a submission into the live catalog: a service row,
// its pricing, a registry entry, and a generic adapter instance.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	sub, err := s.loadPendingSubmission(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(w, "submission not found")
			return
		}
		s.writeFault(w, err)
		return
	}
	if sub.Status != storage.SubmissionPending {
		badRequest(w, fmt.Sprintf("submission already %s", sub.Status))
		return
	}
	var req approveRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	desc := adapter.Descriptor{
		Slug:              sub.Slug,
		BaseURL:           sub.BaseURL,
		AuthType:          sub.AuthType,
		AuthCredentialEnv: sub.AuthCredentialEnv,
		Capability:        sub.Capability,
		DefaultOperation:  sub.DefaultOperation,
	}
	generic, err := adapter.NewGeneric(desc, s.cfg.Oracle, nil)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	rate, rateErr := s.cfg.Oracle.Rate()
	if len(req.Pricing) > 0 && rateErr != nil {
		respond.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR", "exchange rate unavailable", nil)
		return
	}

	now := time.Now().UTC()
	reviewer := middleware.AdminFrom(r.Context())
	service := &storage.Service{
		ID:                ident.New(ident.PrefixService),
		Slug:              sub.Slug,
		Name:              sub.Name,
		Tier:              "community",
		Status:            "active",
		BaseURL:           sub.BaseURL,
		AuthType:          sub.AuthType,
		AuthCredentialEnv: sub.AuthCredentialEnv,
		Capability:        sub.Capability,
		DefaultOperation:  sub.DefaultOperation,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = s.cfg.DB.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(service).Error; err != nil {
			return err
		}
		for _, p := range req.Pricing {
			op := strings.TrimSpace(p.Operation)
			if op == "" || p.PriceUsdMicros <= 0 {
				return &validationErr{"pricing rows need an operation and a positive priceUsdMicros"}
			}
			unit := p.Unit
			if unit == "" {
				unit = storage.UnitPerRequest
			}
			row := &storage.ServicePricing{
				ID:             ident.New(ident.PrefixServicePricing),
				ServiceID:      service.ID,
				Operation:      op,
				PriceUsdMicros: p.PriceUsdMicros,
				PriceSats:      pricing.SatsFromUsdMicros(p.PriceUsdMicros, rate),
				Unit:           unit,
				UpdatedAt:      now,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		sub.Status = storage.SubmissionApproved
		if reviewer != "" {
			sub.ReviewedBy = &reviewer
		}
		sub.UpdatedAt = now
		return tx.Save(sub).Error
	})
	if err != nil {
		var verr *validationErr
		if errors.As(err, &verr) {
			badRequest(w, verr.msg)
			return
		}
		s.writeFault(w, err)
		return
	}

	if err := s.cfg.Registry.Register(sub.Capability, sub.Slug, req.Priority, true); err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.cfg.Adapters.Register(generic); err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.cfg.Oracle.Invalidate(r.Context()); err != nil {
		s.logger.Error("price cache reload failed", "error", err)
	}

	respond.JSON(w, http.StatusOK, map[string]any{
		"submission": viewSubmission(sub),
		"service":    viewService(service),
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	sub, err := s.loadPendingSubmission(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(w, "submission not found")
			return
		}
		s.writeFault(w, err)
		return
	}
	if sub.Status != storage.SubmissionPending {
		badRequest(w, fmt.Sprintf("submission already %s", sub.Status))
		return
	}
	now := time.Now().UTC()
	reviewer := middleware.AdminFrom(r.Context())
	sub.Status = storage.SubmissionRejected
	if reviewer != "" {
		sub.ReviewedBy = &reviewer
	}
	sub.UpdatedAt = now
	if err := s.cfg.DB.WithContext(r.Context()).Save(sub).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"submission": viewSubmission(sub)})
}

type validationErr struct{ msg string }

func (e *validationErr) Error() string { return e.msg }
