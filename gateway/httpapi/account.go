package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"satgate/core/auth"
	"satgate/core/ident"
	"satgate/gateway/middleware"
	"satgate/gateway/respond"
	"satgate/storage"
)

type signupRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type signupResponse struct {
	AccountID string `json:"accountId"`
	AgentID   string `json:"agentId"`
	APIKey    string `json:"apiKey"`
}

// handleSignup creates the account, its wallet, and the primary agent. The
// raw API key is returned exactly once.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}

	rawKey, err := ident.NewAPIKey()
	if err != nil {
		s.writeFault(w, err)
		return
	}
	hash, err := auth.HashKey(rawKey)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	prefix := ident.KeyPrefix(rawKey)
	now := time.Now().UTC()

	account := &storage.Account{
		ID:        ident.New(ident.PrefixAccount),
		Name:      req.Name,
		Email:     strings.TrimSpace(req.Email),
		CreatedAt: now,
	}
	wallet := &storage.Wallet{
		ID:        ident.New(ident.PrefixWallet),
		AccountID: account.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	agent := &storage.Agent{
		ID:           ident.New(ident.PrefixAgent),
		AccountID:    account.ID,
		Name:         "primary",
		APIKeyHash:   hash,
		APIKeyPrefix: &prefix,
		Status:       storage.AgentActive,
		IsPrimary:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.cfg.DB.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		for _, row := range []any{account, wallet, agent} {
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, signupResponse{
		AccountID: account.ID,
		AgentID:   agent.ID,
		APIKey:    rawKey,
	})
}

type agentView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	IsPrimary bool   `json:"isPrimary"`
	CreatedAt string `json:"createdAt"`
}

func viewAgent(a *storage.Agent) agentView {
	return agentView{
		ID:        a.ID,
		Name:      a.Name,
		Status:    a.Status,
		IsPrimary: a.IsPrimary,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFrom(r.Context())
	var rows []storage.Agent
	if err := s.cfg.DB.WithContext(r.Context()).Where("account_id = ?", caller.AccountID).Order("created_at").Find(&rows).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	views := make([]agentView, 0, len(rows))
	for i := range rows {
		views = append(views, viewAgent(&rows[i]))
	}
	respond.JSON(w, http.StatusOK, map[string]any{"agents": views})
}

type createAgentRequest struct {
	Name string `json:"name"`
}

// handleCreateAgent mints a sibling agent sharing the caller's wallet.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AgentFrom(r.Context())
	var req createAgentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	rawKey, err := ident.NewAPIKey()
	if err != nil {
		s.writeFault(w, err)
		return
	}
	hash, err := auth.HashKey(rawKey)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	prefix := ident.KeyPrefix(rawKey)
	now := time.Now().UTC()
	agent := &storage.Agent{
		ID:           ident.New(ident.PrefixAgent),
		AccountID:    caller.AccountID,
		Name:         req.Name,
		APIKeyHash:   hash,
		APIKeyPrefix: &prefix,
		Status:       storage.AgentActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.cfg.DB.WithContext(r.Context()).Create(agent).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]any{
		"agent":  viewAgent(agent),
		"apiKey": rawKey,
	})
}

// loadOwnedAgent fetches an agent and checks it belongs to the caller's
// account.
func (s *Server) loadOwnedAgent(r *http.Request) (*storage.Agent, error) {
	caller := middleware.AgentFrom(r.Context())
	id := chi.URLParam(r, "id")
	var agent storage.Agent
	err := s.cfg.DB.WithContext(r.Context()).Where("id = ? AND account_id = ?", id, caller.AccountID).First(&agent).Error
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.loadOwnedAgent(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(w, "agent not found")
			return
		}
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"agent": viewAgent(agent)})
}

type patchAgentRequest struct {
	Name   *string `json:"name"`
	Status *string `json:"status"`
}

func (s *Server) handlePatchAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.loadOwnedAgent(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(w, "agent not found")
			return
		}
		s.writeFault(w, err)
		return
	}
	var req patchAgentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			badRequest(w, "name must not be empty")
			return
		}
		agent.Name = strings.TrimSpace(*req.Name)
	}
	if req.Status != nil {
		// Killed is terminal; a retired credential never re-enters rotation.
		if agent.Status == storage.AgentKilled {
			badRequest(w, "a killed agent cannot change status")
			return
		}
		switch *req.Status {
		case storage.AgentActive, storage.AgentSuspended:
			agent.Status = *req.Status
		default:
			badRequest(w, "status must be active or suspended")
			return
		}
	}
	agent.UpdatedAt = time.Now().UTC()
	if err := s.cfg.DB.WithContext(r.Context()).Save(agent).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"agent": viewAgent(agent)})
}

// handleDeleteAgent retires the credential permanently. Rows stay for audit
// attribution; the killed status takes the key out of rotation.
func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.loadOwnedAgent(r)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			notFound(w, "agent not found")
			return
		}
		s.writeFault(w, err)
		return
	}
	if agent.IsPrimary {
		badRequest(w, "the primary agent cannot be deleted")
		return
	}
	agent.Status = storage.AgentKilled
	agent.UpdatedAt = time.Now().UTC()
	if err := s.cfg.DB.WithContext(r.Context()).Save(agent).Error; err != nil {
		s.writeFault(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"agent": viewAgent(agent)})
}
