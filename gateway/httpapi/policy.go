package httpapi

import (
	"errors"
	"net/http"
	"time"

	"gorm.io/gorm"

	"satgate/core/ident"
	"satgate/gateway/respond"
	"satgate/storage"
)

type policyView struct {
	MaxPerCallSats      *int64   `json:"maxPerCallSats"`
	MaxPerDaySats       *int64   `json:"maxPerDaySats"`
	MaxBalanceSats      *int64   `json:"maxBalanceSats"`
	AllowedServices     []string `json:"allowedServices"`
	DeniedServices      []string `json:"deniedServices"`
	AllowedCapabilities []string `json:"allowedCapabilities"`
	DeniedCapabilities  []string `json:"deniedCapabilities"`
	KillSwitch          bool     `json:"killSwitch"`
}

func viewPolicy(p *storage.Policy) policyView {
	if p == nil {
		return policyView{}
	}
	return policyView{
		MaxPerCallSats:      p.MaxPerCallSats,
		MaxPerDaySats:       p.MaxPerDaySats,
		MaxBalanceSats:      p.MaxBalanceSats,
		AllowedServices:     storage.SplitList(p.AllowedServices),
		DeniedServices:      storage.SplitList(p.DeniedServices),
		AllowedCapabilities: storage.SplitList(p.AllowedCapabilities),
		DeniedCapabilities:  storage.SplitList(p.DeniedCapabilities),
		KillSwitch:          p.KillSwitch,
	}
}

type policyBody struct {
	MaxPerCallSats      *int64    `json:"maxPerCallSats"`
	MaxPerDaySats       *int64    `json:"maxPerDaySats"`
	MaxBalanceSats      *int64    `json:"maxBalanceSats"`
	AllowedServices     *[]string `json:"allowedServices"`
	DeniedServices      *[]string `json:"deniedServices"`
	AllowedCapabilities *[]string `json:"allowedCapabilities"`
	DeniedCapabilities  *[]string `json:"deniedCapabilities"`
	KillSwitch          *bool     `json:"killSwitch"`
}

// policyForAgent loads the current policy row, or nil when none exists yet.
func (s *Server) policyForAgent(r *http.Request, agentID string) (*storage.Policy, error) {
	var pol storage.Policy
	err := s.cfg.DB.WithContext(r.Context()).Where("agent_id = ?", agentID).First(&pol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pol, nil
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	agent, err := s.loadOwnedAgent(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(w, "agent not found")
			return
		}
		s.writeFault(w, err)
		return
	}
	pol, err := s.policyForAgent(r, agent.ID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"policy": viewPolicy(pol)})
}

// handlePutPolicy replaces the whole policy.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	s.upsertPolicy(w, r, true)
}

// handlePatchPolicy updates only the supplied fields.
func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	s.upsertPolicy(w, r, false)
}

func (s *Server) upsertPolicy(w http.ResponseWriter, r *http.Request, replace bool) {
	agent, err := s.loadOwnedAgent(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(w, "agent not found")
			return
		}
		s.writeFault(w, err)
		return
	}
	var body policyBody
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	pol, err := s.policyForAgent(r, agent.ID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	now := time.Now().UTC()
	if pol == nil {
		pol = &storage.Policy{ID: ident.New(ident.PrefixPolicy), AgentID: agent.ID, CreatedAt: now}
	} else if replace {
		*pol = storage.Policy{ID: pol.ID, AgentID: pol.AgentID, CreatedAt: pol.CreatedAt}
	}
	if body.MaxPerCallSats != nil || replace {
		pol.MaxPerCallSats = body.MaxPerCallSats
	}
	if body.MaxPerDaySats != nil || replace {
		pol.MaxPerDaySats = body.MaxPerDaySats
	}
	if body.MaxBalanceSats != nil || replace {
		pol.MaxBalanceSats = body.MaxBalanceSats
	}
	if body.AllowedServices != nil || replace {
		pol.AllowedServices = joinOrNil(body.AllowedServices)
	}
	if body.DeniedServices != nil || replace {
		pol.DeniedServices = joinOrNil(body.DeniedServices)
	}
	if body.AllowedCapabilities != nil || replace {
		pol.AllowedCapabilities = joinOrNil(body.AllowedCapabilities)
	}
	if body.DeniedCapabilities != nil || replace {
		pol.DeniedCapabilities = joinOrNil(body.DeniedCapabilities)
	}
	if body.KillSwitch != nil {
		pol.KillSwitch = *body.KillSwitch
	} else if replace {
		pol.KillSwitch = false
	}
	pol.UpdatedAt = now
	if err := s.cfg.DB.WithContext(r.Context()).Save(pol).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"policy": viewPolicy(pol)})
}

func joinOrNil(list *[]string) *string {
	if list == nil {
		return nil
	}
	return storage.JoinList(*list)
}

func (s *Server) setKillSwitch(w http.ResponseWriter, r *http.Request, on bool) {
	agent, err := s.loadOwnedAgent(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(w, "agent not found")
			return
		}
		s.writeFault(w, err)
		return
	}
	pol, err := s.policyForAgent(r, agent.ID)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	now := time.Now().UTC()
	if pol == nil {
		pol = &storage.Policy{ID: ident.New(ident.PrefixPolicy), AgentID: agent.ID, CreatedAt: now}
	}
	pol.KillSwitch = on
	pol.UpdatedAt = now
	if err := s.cfg.DB.WithContext(r.Context()).Save(pol).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"policy": viewPolicy(pol)})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	s.setKillSwitch(w, r, true)
}

func (s *Server) handleUnkill(w http.ResponseWriter, r *http.Request) {
	s.setKillSwitch(w, r, false)
}
