package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"satgate/core/pricing"
)

type stubPrices map[string]int64

func (s stubPrices) Price(slug, op string) (pricing.Price, error) {
	sats, ok := s[slug+"/"+op]
	if !ok {
		return pricing.Price{}, pricing.ErrPriceNotFound
	}
	return pricing.Price{ServiceSlug: slug, Operation: op, PriceSats: sats}, nil
}

func TestCredentialAllowlist(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"OPENAI_API_KEY", true},
		{"BRAVE_API_TOKEN", true},
		{"TWILIO_SECRET", true},
		{"GH_TOKEN", true},
		{"DATABASE_URL", false},
		{"LND_MACAROON", false},
		{"PATH", false},
		{"openai_api_key", false},
		{"_API_KEY", false},
	}
	for _, tc := range cases {
		if got := ValidCredentialEnv(tc.name); got != tc.ok {
			t.Fatalf("ValidCredentialEnv(%q) = %v, want %v", tc.name, got, tc.ok)
		}
	}
}

func TestCredentialUnsetEnv(t *testing.T) {
	t.Setenv("MISSING_API_KEY", "")
	var upstream *UpstreamError
	if _, err := Credential("MISSING_API_KEY"); !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want UpstreamError for unset env", err)
	}
}

func TestLLMQuoteTokenBudget(t *testing.T) {
	prices := stubPrices{"openai/chat": 10}
	a, err := NewLLM("openai", "reason", "http://unused", "OPENAI_API_KEY", prices, nil)
	if err != nil {
		t.Fatalf("new llm: %v", err)
	}
	q, err := a.Quote(context.Background(), map[string]any{"prompt": "hi", "maxTokens": float64(2500)})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Operation != "chat" || q.Sats != 30 {
		t.Fatalf("quote = %+v, want chat/30 for 2500 tokens at 10 sats per 1k", q)
	}
	q, err = a.Quote(context.Background(), map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatalf("quote default budget: %v", err)
	}
	if q.Sats != 20 {
		t.Fatalf("default budget quote = %d sats, want 20 (1024 tokens rounds to 2 units)", q.Sats)
	}
}

func TestLLMQuoteRequiresPrompt(t *testing.T) {
	a, err := NewLLM("openai", "reason", "http://unused", "OPENAI_API_KEY", stubPrices{"openai/chat": 10}, nil)
	if err != nil {
		t.Fatalf("new llm: %v", err)
	}
	var invalid *ValidationError
	if _, err := a.Quote(context.Background(), map[string]any{}); !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want ValidationError without prompt", err)
	}
}

func TestLLMFinalizeFromUsage(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
			"usage":   map[string]any{"total_tokens": 900},
		})
	}))
	defer server.Close()

	prices := stubPrices{"openai/chat": 10}
	a, err := NewLLM("openai", "reason", server.URL, "OPENAI_API_KEY", prices, server.Client())
	if err != nil {
		t.Fatalf("new llm: %v", err)
	}
	res, err := a.Execute(context.Background(), map[string]any{"prompt": "hi", "maxTokens": float64(4000)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Usage.TotalTokens != 900 {
		t.Fatalf("usage tokens = %d, want 900", res.Usage.TotalTokens)
	}
	if final := a.Finalize(res, 40); final != 10 {
		t.Fatalf("finalize = %d, want 10 (900 tokens rounds to 1 unit)", final)
	}
	// Usage can never raise the charge above the quote.
	if final := a.Finalize(res, 5); final != 5 {
		t.Fatalf("finalize = %d, want clamp at quoted 5", final)
	}
}

func TestLLMFinalizeUnknownUsage(t *testing.T) {
	a, err := NewLLM("openai", "reason", "http://unused", "OPENAI_API_KEY", stubPrices{"openai/chat": 10}, nil)
	if err != nil {
		t.Fatalf("new llm: %v", err)
	}
	if final := a.Finalize(&Result{Status: 200}, 40); final != 40 {
		t.Fatalf("finalize = %d, want quoted when usage unknown", final)
	}
}

func TestSearchPerRequest(t *testing.T) {
	t.Setenv("BRAVE_API_KEY", "br-test")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["query"] != "lightning" {
			t.Fatalf("query = %v", body["query"])
		}
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}))
	defer server.Close()

	a, err := NewSearch("brave", server.URL, "BRAVE_API_KEY", stubPrices{"brave/search": 3}, server.Client())
	if err != nil {
		t.Fatalf("new search: %v", err)
	}
	q, err := a.Quote(context.Background(), map[string]any{"query": "lightning"})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Sats != 3 {
		t.Fatalf("quote = %d sats, want flat 3", q.Sats)
	}
	res, err := a.Execute(context.Background(), map[string]any{"query": "lightning"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final := a.Finalize(res, q.Sats); final != 3 {
		t.Fatalf("finalize = %d, want quoted", final)
	}
}

func TestImageGenPollsToCompletion(t *testing.T) {
	t.Setenv("FLUX_API_KEY", "fx-test")
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /images", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "job_1", "status": "queued"})
	})
	mux.HandleFunc("GET /images/job_1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "running"
		if polls >= 3 {
			status = "succeeded"
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "job_1", "status": status, "url": "https://cdn/img.png"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a, err := NewImageGen("flux", server.URL, "FLUX_API_KEY", stubPrices{"flux/generate": 25}, server.Client())
	if err != nil {
		t.Fatalf("new imagegen: %v", err)
	}
	a.WithPolling(time.Millisecond, time.Second)
	res, err := a.Execute(context.Background(), map[string]any{"prompt": "a rocket"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if polls < 3 {
		t.Fatalf("polls = %d, want at least 3", polls)
	}
	if res.Status != 200 {
		t.Fatalf("status = %d", res.Status)
	}
}

func TestImageGenJobFailure(t *testing.T) {
	t.Setenv("FLUX_API_KEY", "fx-test")
	mux := http.NewServeMux()
	mux.HandleFunc("POST /images", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "job_2", "status": "queued"})
	})
	mux.HandleFunc("GET /images/job_2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "job_2", "status": "failed", "error": "nsfw"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a, err := NewImageGen("flux", server.URL, "FLUX_API_KEY", stubPrices{"flux/generate": 25}, server.Client())
	if err != nil {
		t.Fatalf("new imagegen: %v", err)
	}
	a.WithPolling(time.Millisecond, time.Second)
	var upstream *UpstreamError
	if _, err := a.Execute(context.Background(), map[string]any{"prompt": "x"}); !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want UpstreamError on failed job", err)
	}
}

func TestImageGenPollDeadline(t *testing.T) {
	t.Setenv("FLUX_API_KEY", "fx-test")
	mux := http.NewServeMux()
	mux.HandleFunc("POST /images", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "job_3", "status": "queued"})
	})
	mux.HandleFunc("GET /images/job_3", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "job_3", "status": "running"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	a, err := NewImageGen("flux", server.URL, "FLUX_API_KEY", stubPrices{"flux/generate": 25}, server.Client())
	if err != nil {
		t.Fatalf("new imagegen: %v", err)
	}
	a.WithPolling(time.Millisecond, 10*time.Millisecond)
	var upstream *UpstreamError
	if _, err := a.Execute(context.Background(), map[string]any{"prompt": "x"}); !errors.As(err, &upstream) {
		t.Fatalf("err = %v, want UpstreamError past deadline", err)
	}
}

func TestSpeechFinalizeByDuration(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg-test")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": "hello", "duration": 150.0})
	}))
	defer server.Close()

	a, err := NewSpeech("deepgram", server.URL, "DEEPGRAM_API_KEY", stubPrices{"deepgram/transcribe": 4}, server.Client())
	if err != nil {
		t.Fatalf("new speech: %v", err)
	}
	q, err := a.Quote(context.Background(), map[string]any{"audioUrl": "https://a/b.wav", "durationSeconds": float64(600)})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Sats != 40 {
		t.Fatalf("quote = %d sats, want 40 for 10 minutes", q.Sats)
	}
	res, err := a.Execute(context.Background(), map[string]any{"audioUrl": "https://a/b.wav"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 150s of audio rounds up to 3 minutes.
	if final := a.Finalize(res, q.Sats); final != 12 {
		t.Fatalf("finalize = %d, want 12", final)
	}
}
