package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"satgate/storage"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterEnforcesBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	handler := rl.Middleware(okHandler())

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("first two requests = %v, want 200s within burst", statuses[:2])
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", statuses[2])
	}
}

func TestRateLimiterKeysByAgent(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := rl.Middleware(okHandler())

	send := func(agentID string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		agent := &storage.Agent{ID: agentID, Status: storage.AgentActive}
		req = req.WithContext(context.WithValue(req.Context(), contextKeyAgent, agent))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("agt_a"); code != http.StatusOK {
		t.Fatalf("agent a first = %d", code)
	}
	if code := send("agt_a"); code != http.StatusTooManyRequests {
		t.Fatalf("agent a second = %d, want 429", code)
	}
	// A different agent behind the same IP has its own bucket.
	if code := send("agt_b"); code != http.StatusOK {
		t.Fatalf("agent b = %d, want 200", code)
	}
}

func TestRateLimiterCloseStopsSweeper(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	handler := rl.Middleware(okHandler())

	rl.Close()
	rl.Close()

	select {
	case <-rl.done:
	default:
		t.Fatal("done channel still open after Close")
	}

	// Closing only stops reclamation; live traffic is still limited.
	req := httptest.NewRequest(http.MethodGet, "/v1/wallet", nil)
	req.RemoteAddr = "10.0.0.2:4000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("request after close = %d, want 200", rec.Code)
	}
}

func TestClientIDPrefersForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	if got := clientID(req); got != "10.0.0.9" {
		t.Fatalf("clientID = %q, want remote host", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.9")
	if got := clientID(req); got != "203.0.113.7" {
		t.Fatalf("clientID = %q, want first forwarded hop", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.2")
	if got := clientID(req); got != "198.51.100.2" {
		t.Fatalf("clientID = %q, want real ip", got)
	}
}
