// Package adapter normalizes capability requests into upstream provider
// calls. Every adapter quotes before money moves, executes the upstream HTTP
// call, and finalizes the charge monotonically downward from the quote.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"satgate/core/pricing"
)

// Quote is a pre-flight cost estimate; the upper bound on the charge.
type Quote struct {
	Operation string
	Sats      int64
}

// Usage captures what the upstream reported consuming.
type Usage struct {
	TotalTokens     int64
	DurationSeconds float64
}

// Result is a normalized upstream response.
type Result struct {
	Status  int
	Data    json.RawMessage
	Headers http.Header
	Usage   Usage
}

// Adapter is the per-service quote/execute/finalize contract. Quote is pure;
// Execute performs the upstream call; Finalize returns the actual cost and
// must never exceed the quote.
type Adapter interface {
	Slug() string
	Capability() string
	Quote(ctx context.Context, body map[string]any) (Quote, error)
	Execute(ctx context.Context, body map[string]any) (*Result, error)
	Finalize(res *Result, quotedSats int64) int64
}

// PriceSource resolves the current price for a (service, operation) pair.
// Satisfied by *pricing.Oracle.
type PriceSource interface {
	Price(serviceSlug, operation string) (pricing.Price, error)
}

// ValidationError reports malformed adapter input; no money has moved.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "adapter: " + e.Message }

func validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// UpstreamError reports a failed upstream call.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("adapter: upstream returned %d: %s", e.Status, e.Message)
	}
	return "adapter: upstream failed: " + e.Message
}

// credentialEnvPattern allowlists the env names adapters may read. Dynamic
// env lookup is a covert channel otherwise: names like DATABASE_URL or
// LND_MACAROON must never be reachable from a service descriptor.
var credentialEnvPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*_(API_KEY|API_TOKEN|SECRET|TOKEN)$`)

// ValidCredentialEnv reports whether the env name is allowlisted.
func ValidCredentialEnv(name string) bool {
	return credentialEnvPattern.MatchString(name)
}

// Credential resolves an allowlisted env name to its value.
func Credential(envName string) (string, error) {
	if !ValidCredentialEnv(envName) {
		return "", validationf("credential env %q not allowlisted", envName)
	}
	value := strings.TrimSpace(os.Getenv(envName))
	if value == "" {
		return "", &UpstreamError{Message: fmt.Sprintf("credential env %s not set", envName)}
	}
	return value, nil
}

// NewHTTPClient builds the upstream client shared by adapters, traced end to
// end.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// doJSON performs one upstream HTTP round trip with a JSON body and returns
// the raw response. Non-2xx responses become UpstreamError.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers http.Header, payload any) (*Result, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, validationf("encode request: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, validationf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Message: err.Error()}
	}
	result := &Result{Status: resp.StatusCode, Data: data, Headers: resp.Header.Clone()}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return result, &UpstreamError{Status: resp.StatusCode, Message: truncate(string(data), 256)}
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ceilDiv rounds the integer quotient up.
func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// clamp enforces the monotone-down finalization rule.
func clamp(final, quoted int64) int64 {
	if final < 0 {
		return 0
	}
	if final > quoted {
		return quoted
	}
	return final
}

func stringField(body map[string]any, key string) string {
	if body == nil {
		return ""
	}
	if v, ok := body[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intField(body map[string]any, key string) (int64, bool) {
	if body == nil {
		return 0, false
	}
	switch v := body[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
