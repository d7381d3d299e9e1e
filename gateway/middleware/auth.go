// Package middleware holds the gateway's HTTP middleware: agent bearer
// auth, admin JWT auth, per-caller rate limiting, CORS, and observability.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"satgate/core/auth"
	"satgate/gateway/respond"
	"satgate/storage"
)

type contextKey string

const (
	contextKeyAgent contextKey = "satgate.agent"
	contextKeyAdmin contextKey = "satgate.admin"
)

// AgentAuth authenticates metered routes by agent API key.
type AgentAuth struct {
	auth   *auth.Authenticator
	logger *slog.Logger
}

// NewAgentAuth wires bearer authentication over the key store.
func NewAgentAuth(authenticator *auth.Authenticator, logger *slog.Logger) *AgentAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentAuth{auth: authenticator, logger: logger}
}

// Middleware resolves the bearer key to an active agent and stores it on the
// request context.
func (a *AgentAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			respond.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
			return
		}
		agent, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				a.logger.Error("authentication failed", "error", err)
			}
			respond.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key", nil)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAgent, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AgentFrom returns the authenticated agent stored by Middleware.
func AgentFrom(ctx context.Context) *storage.Agent {
	agent, _ := ctx.Value(contextKeyAgent).(*storage.Agent)
	return agent
}

// AdminAuth gates the registry review routes with an HMAC-signed JWT
// carrying role=admin.
type AdminAuth struct {
	secretEnv string
	logger    *slog.Logger
	clockSkew time.Duration
}

// NewAdminAuth reads its signing secret from the named env at request time.
func NewAdminAuth(secretEnv string, logger *slog.Logger) *AdminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminAuth{secretEnv: secretEnv, logger: logger, clockSkew: 2 * time.Minute}
}

// Middleware rejects requests without a valid admin token.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimSpace(os.Getenv(a.secretEnv))
		if secret == "" {
			a.logger.Error("admin secret env not set", "env", a.secretEnv)
			respond.Error(w, http.StatusInternalServerError, "INTERNAL", "admin auth not configured", nil)
			return
		}
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			respond.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
			return
		}
		claims, err := parseAdminToken(tokenString, []byte(secret), a.clockSkew)
		if err != nil {
			respond.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			respond.Error(w, http.StatusForbidden, "POLICY_DENIED", "admin role required", nil)
			return
		}
		subject, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), contextKeyAdmin, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminFrom returns the admin token's subject, or "" outside admin routes.
func AdminFrom(ctx context.Context) string {
	subject, _ := ctx.Value(contextKeyAdmin).(string)
	return subject
}

func parseAdminToken(tokenString string, secret []byte, skew time.Duration) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithLeeway(skew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
