package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"satgate/core/registry"
	"satgate/gateway/respond"
	"satgate/storage"
)

type serviceView struct {
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	Tier       string `json:"tier,omitempty"`
	Status     string `json:"status"`
	AuthType   string `json:"authType"`
	Capability string `json:"capability,omitempty"`
}

func viewService(svc *storage.Service) serviceView {
	return serviceView{
		Slug:       svc.Slug,
		Name:       svc.Name,
		Tier:       svc.Tier,
		Status:     svc.Status,
		AuthType:   svc.AuthType,
		Capability: svc.Capability,
	}
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	var rows []storage.Service
	if err := s.cfg.DB.WithContext(r.Context()).Order("slug").Find(&rows).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	views := make([]serviceView, 0, len(rows))
	for i := range rows {
		views = append(views, viewService(&rows[i]))
	}
	respond.JSON(w, http.StatusOK, map[string]any{"services": views})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var svc storage.Service
	err := s.cfg.DB.WithContext(r.Context()).Where("slug = ?", slug).First(&svc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		notFound(w, "service not found")
		return
	}
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"service": viewService(&svc)})
}

type pricingView struct {
	Operation      string `json:"operation"`
	PriceUsdMicros int64  `json:"priceUsdMicros"`
	PriceSats      int64  `json:"priceSats"`
	Unit           string `json:"unit"`
}

func (s *Server) handleServicePricing(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var svc storage.Service
	err := s.cfg.DB.WithContext(r.Context()).Where("slug = ?", slug).First(&svc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		notFound(w, "service not found")
		return
	}
	if err != nil {
		s.writeFault(w, err)
		return
	}
	var rows []storage.ServicePricing
	if err := s.cfg.DB.WithContext(r.Context()).Where("service_id = ?", svc.ID).Order("operation").Find(&rows).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	views := make([]pricingView, 0, len(rows))
	for _, row := range rows {
		views = append(views, pricingView{
			Operation:      row.Operation,
			PriceUsdMicros: row.PriceUsdMicros,
			PriceSats:      row.PriceSats,
			Unit:           row.Unit,
		})
	}
	respond.JSON(w, http.StatusOK, map[string]any{"pricing": views})
}

type providerView struct {
	Slug     string `json:"slug"`
	Priority int    `json:"priority"`
	Active   bool   `json:"active"`
}

func (s *Server) capabilityView(name string) (map[string]any, error) {
	providers, err := s.cfg.Registry.Providers(name)
	if err != nil {
		return nil, err
	}
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, providerView{Slug: p.Slug, Priority: p.Priority, Active: p.Active})
	}
	return map[string]any{"capability": name, "providers": views}, nil
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	out := make([]map[string]any, 0, len(registry.Verbs))
	for _, verb := range registry.Verbs {
		view, err := s.capabilityView(verb)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		out = append(out, view)
	}
	respond.JSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

func (s *Server) handleGetCapability(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	view, err := s.capabilityView(name)
	if err != nil {
		notFound(w, "unknown capability")
		return
	}
	respond.JSON(w, http.StatusOK, view)
}
