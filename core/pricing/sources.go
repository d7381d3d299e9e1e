package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Source resolves the current BTC/USD rate from one upstream feed.
type Source interface {
	Name() string
	FetchRate(ctx context.Context) (float64, error)
}

// SourceRegistry constructs rate sources from configuration.
type SourceRegistry struct {
	HTTPClient *http.Client
}

// NewSourceRegistry builds a registry with sane defaults.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *SourceRegistry) Build(name, typ, endpoint string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "coingecko":
		return newCoinGeckoSource(r.client(), name, endpoint), nil
	case "coinbase":
		return newCoinbaseSource(r.client(), name, endpoint), nil
	default:
		return nil, fmt.Errorf("unknown rate source type %q", typ)
	}
}

func (r *SourceRegistry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type coinGeckoSource struct {
	client   *http.Client
	name     string
	endpoint string
}

func newCoinGeckoSource(client *http.Client, name, endpoint string) *coinGeckoSource {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = "https://api.coingecko.com/api/v3/simple/price"
	}
	return &coinGeckoSource{client: client, name: label(name, "coingecko"), endpoint: endpoint}
}

func (s *coinGeckoSource) Name() string { return s.name }

func (s *coinGeckoSource) FetchRate(ctx context.Context) (float64, error) {
	url := s.endpoint + "?ids=bitcoin&vs_currencies=usd"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate source returned %d", resp.StatusCode)
	}
	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode rate: %w", err)
	}
	rate := payload["bitcoin"]["usd"]
	if rate <= 0 {
		return 0, fmt.Errorf("rate source returned invalid rate %v", rate)
	}
	return rate, nil
}

type coinbaseSource struct {
	client   *http.Client
	name     string
	endpoint string
}

func newCoinbaseSource(client *http.Client, name, endpoint string) *coinbaseSource {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = "https://api.coinbase.com/v2/prices/BTC-USD/spot"
	}
	return &coinbaseSource{client: client, name: label(name, "coinbase"), endpoint: endpoint}
}

func (s *coinbaseSource) Name() string { return s.name }

func (s *coinbaseSource) FetchRate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rate source returned %d", resp.StatusCode)
	}
	var payload struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode rate: %w", err)
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(payload.Data.Amount), 64)
	if err != nil {
		return 0, fmt.Errorf("parse rate %q: %w", payload.Data.Amount, err)
	}
	if rate <= 0 {
		return 0, fmt.Errorf("rate source returned invalid rate %v", rate)
	}
	return rate, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
