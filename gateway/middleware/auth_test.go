package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"satgate/core/auth"
	"satgate/core/ident"
	"satgate/storage"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAgentAuthMiddleware(t *testing.T) {
	db, err := storage.OpenTest("mw_agent_auth")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	rawKey, err := ident.NewAPIKey()
	if err != nil {
		t.Fatalf("new api key: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	prefix := ident.KeyPrefix(rawKey)
	agent := &storage.Agent{
		ID:           ident.New(ident.PrefixAgent),
		AccountID:    ident.New(ident.PrefixAccount),
		APIKeyHash:   string(hash),
		APIKeyPrefix: &prefix,
		Status:       storage.AgentActive,
	}
	if err := db.Create(agent).Error; err != nil {
		t.Fatalf("create agent: %v", err)
	}

	var seen *storage.Agent
	handler := NewAgentAuth(auth.New(db), discard()).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AgentFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seen == nil || seen.ID != agent.ID {
		t.Fatalf("agent from context = %+v, want %s", seen, agent.ID)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	req.Header.Set("Authorization", "Bearer sk_agt_wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for bad key", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without header", rec.Code)
	}
}

func signAdminToken(t *testing.T, secret, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAdminAuthMiddleware(t *testing.T) {
	t.Setenv("SATGATE_ADMIN_SECRET", "topsecret")
	handler := NewAdminAuth("SATGATE_ADMIN_SECRET", discard()).Middleware(okHandler())

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid admin", "Bearer " + signAdminToken(t, "topsecret", "admin"), http.StatusOK},
		{"wrong role", "Bearer " + signAdminToken(t, "topsecret", "viewer"), http.StatusForbidden},
		{"wrong secret", "Bearer " + signAdminToken(t, "other", "admin"), http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/registry/review", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
