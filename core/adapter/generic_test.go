package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newGenericFixture(t *testing.T, authType string, handler http.HandlerFunc) *Generic {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	a, err := NewGeneric(Descriptor{
		Slug:              "acme",
		BaseURL:           server.URL,
		AuthType:          authType,
		AuthCredentialEnv: "ACME_API_KEY",
		Capability:        "execute",
		DefaultOperation:  "call",
	}, stubPrices{"acme/call": 7}, server.Client())
	if err != nil {
		t.Fatalf("new generic: %v", err)
	}
	return a
}

func TestGenericDescriptorValidation(t *testing.T) {
	prices := stubPrices{}
	cases := []struct {
		name string
		desc Descriptor
	}{
		{"relative base", Descriptor{Slug: "a", BaseURL: "/v1", AuthType: "bearer", AuthCredentialEnv: "A_API_KEY", DefaultOperation: "call"}},
		{"bad scheme", Descriptor{Slug: "a", BaseURL: "ftp://x", AuthType: "bearer", AuthCredentialEnv: "A_API_KEY", DefaultOperation: "call"}},
		{"bad auth type", Descriptor{Slug: "a", BaseURL: "https://x", AuthType: "cookie", AuthCredentialEnv: "A_API_KEY", DefaultOperation: "call"}},
		{"env not allowlisted", Descriptor{Slug: "a", BaseURL: "https://x", AuthType: "bearer", AuthCredentialEnv: "DATABASE_URL", DefaultOperation: "call"}},
		{"missing operation", Descriptor{Slug: "a", BaseURL: "https://x", AuthType: "bearer", AuthCredentialEnv: "A_API_KEY"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var invalid *ValidationError
			if _, err := NewGeneric(tc.desc, prices, nil); !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestGenericQuoteDefaultOperation(t *testing.T) {
	a := newGenericFixture(t, "bearer", func(w http.ResponseWriter, r *http.Request) {})
	q, err := a.Quote(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Operation != "call" || q.Sats != 7 {
		t.Fatalf("quote = %+v, want call/7", q)
	}
	if _, err := a.Quote(context.Background(), map[string]any{"operation": "unpriced"}); !errors.As(err, new(*ValidationError)) {
		t.Fatalf("unpriced operation should fail validation")
	}
}

func TestGenericPathRejection(t *testing.T) {
	t.Setenv("ACME_API_KEY", "ak-test")
	a := newGenericFixture(t, "bearer", func(w http.ResponseWriter, r *http.Request) {})
	for _, p := range []string{"../secrets", "/a/../../b", "//evil.example", "https://evil.example/x", `\windows\style`} {
		var invalid *ValidationError
		if _, err := a.Execute(context.Background(), map[string]any{"path": p}); !errors.As(err, &invalid) {
			t.Fatalf("path %q: err = %v, want ValidationError", p, err)
		}
	}
}

func TestGenericMethodAllowlist(t *testing.T) {
	t.Setenv("ACME_API_KEY", "ak-test")
	a := newGenericFixture(t, "bearer", func(w http.ResponseWriter, r *http.Request) {})
	for _, m := range []string{"CONNECT", "TRACE", "OPTIONS"} {
		var invalid *ValidationError
		if _, err := a.Execute(context.Background(), map[string]any{"method": m}); !errors.As(err, &invalid) {
			t.Fatalf("method %q: err = %v, want ValidationError", m, err)
		}
	}
}

func TestGenericBearerInjection(t *testing.T) {
	t.Setenv("ACME_API_KEY", "ak-test")
	a := newGenericFixture(t, "bearer", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ak-test" {
			t.Fatalf("authorization = %q", got)
		}
		if r.URL.Path != "/v1/things" || r.Method != http.MethodPost {
			t.Fatalf("got %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "widget" {
			t.Fatalf("payload = %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	res, err := a.Execute(context.Background(), map[string]any{
		"path":    "/v1/things",
		"payload": map[string]any{"name": "widget"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != 200 {
		t.Fatalf("status = %d", res.Status)
	}
	if final := a.Finalize(res, 7); final != 7 {
		t.Fatalf("finalize = %d, want quoted", final)
	}
}

func TestGenericHeaderKeyInjection(t *testing.T) {
	t.Setenv("ACME_API_KEY", "ak-test")
	a := newGenericFixture(t, "api_key_header", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "ak-test" {
			t.Fatalf("x-api-key = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	})
	if _, err := a.Execute(context.Background(), map[string]any{"method": "GET", "path": "/ping"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestGenericQueryParamInjection(t *testing.T) {
	t.Setenv("ACME_API_KEY", "ak-test")
	a := newGenericFixture(t, "query_param", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("api_key"); got != "ak-test" {
			t.Fatalf("api_key = %q", got)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Fatalf("page = %q", got)
		}
		w.WriteHeader(http.StatusOK)
	})
	body := map[string]any{"method": "GET", "path": "/list", "query": map[string]any{"page": 2}}
	if _, err := a.Execute(context.Background(), body); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestGenericUpstreamFailure(t *testing.T) {
	t.Setenv("ACME_API_KEY", "ak-test")
	a := newGenericFixture(t, "bearer", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})
	var upstream *UpstreamError
	res, err := a.Execute(context.Background(), map[string]any{"path": "/x"})
	if !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if upstream.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", upstream.Status)
	}
	if res == nil || res.Status != http.StatusTooManyRequests {
		t.Fatalf("result should carry the upstream status")
	}
}
