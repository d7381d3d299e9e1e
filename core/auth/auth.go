// Package auth resolves bearer API keys to agents.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"satgate/core/ident"
	"satgate/storage"
)

// ErrUnauthorized reports a key that matches no active agent.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Authenticator authenticates raw agent keys against stored bcrypt hashes.
// The SHA-256 key prefix narrows candidates to avoid a full-table bcrypt scan.
type Authenticator struct {
	db *gorm.DB
}

// New constructs an authenticator over the agents table.
func New(db *gorm.DB) *Authenticator {
	return &Authenticator{db: db}
}

// Authenticate returns the active agent owning the supplied raw key.
// bcrypt comparison is constant-time per candidate row.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*storage.Agent, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	prefix := ident.KeyPrefix(token)

	var candidates []storage.Agent
	if err := a.db.WithContext(ctx).
		Where("api_key_prefix = ?", prefix).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("query agents by prefix: %w", err)
	}
	if agent := match(candidates, token); agent != nil {
		return agent, nil
	}

	// Legacy rows predate prefix indexing; scan them until the key rotates.
	var legacy []storage.Agent
	if err := a.db.WithContext(ctx).
		Where("api_key_prefix IS NULL").
		Find(&legacy).Error; err != nil {
		return nil, fmt.Errorf("query legacy agents: %w", err)
	}
	if agent := match(legacy, token); agent != nil {
		return agent, nil
	}
	return nil, ErrUnauthorized
}

func match(candidates []storage.Agent, token string) *storage.Agent {
	for i := range candidates {
		agent := &candidates[i]
		if bcrypt.CompareHashAndPassword([]byte(agent.APIKeyHash), []byte(token)) != nil {
			continue
		}
		if agent.Status != storage.AgentActive {
			continue
		}
		return agent
	}
	return nil
}

// HashKey bcrypt-hashes a raw key for storage.
func HashKey(rawKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}
