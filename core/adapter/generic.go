package adapter

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Descriptor declares a runtime-approved service: enough to build an HTTP
// adapter without code changes.
type Descriptor struct {
	Slug              string
	BaseURL           string
	AuthType          string
	AuthCredentialEnv string
	Capability        string
	DefaultOperation  string
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Generic proxies to any descriptor-declared upstream. Callers pick the path
// and method per request; the adapter enforces the safety rails.
type Generic struct {
	desc   Descriptor
	prices PriceSource
	client *http.Client
}

// NewGeneric validates the descriptor and builds the adapter. The credential
// env allowlist is enforced here, at registration, not only at call time.
func NewGeneric(desc Descriptor, prices PriceSource, client *http.Client) (*Generic, error) {
	if desc.Slug == "" {
		return nil, validationf("descriptor slug required")
	}
	base, err := url.Parse(desc.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, validationf("descriptor base url %q must be absolute http(s)", desc.BaseURL)
	}
	switch desc.AuthType {
	case "bearer", "api_key_header", "basic", "query_param":
	default:
		return nil, validationf("descriptor auth type %q unsupported", desc.AuthType)
	}
	if !ValidCredentialEnv(desc.AuthCredentialEnv) {
		return nil, validationf("credential env %q not allowlisted", desc.AuthCredentialEnv)
	}
	if desc.DefaultOperation == "" {
		return nil, validationf("descriptor default operation required")
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &Generic{desc: desc, prices: prices, client: client}, nil
}

func (a *Generic) Slug() string       { return a.desc.Slug }
func (a *Generic) Capability() string { return a.desc.Capability }

func (a *Generic) Quote(ctx context.Context, body map[string]any) (Quote, error) {
	operation := stringField(body, "operation")
	if operation == "" {
		operation = a.desc.DefaultOperation
	}
	price, err := a.prices.Price(a.desc.Slug, operation)
	if err != nil {
		return Quote{}, validationf("operation %s/%s not priced", a.desc.Slug, operation)
	}
	return Quote{Operation: operation, Sats: price.PriceSats}, nil
}

func (a *Generic) Execute(ctx context.Context, body map[string]any) (*Result, error) {
	requestPath, err := sanitizePath(stringField(body, "path"))
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(stringField(body, "method"))
	if method == "" {
		method = http.MethodPost
	}
	if !allowedMethods[method] {
		return nil, validationf("method %q not allowed", method)
	}

	target := strings.TrimRight(a.desc.BaseURL, "/") + requestPath
	query := url.Values{}
	if raw, ok := body["query"].(map[string]any); ok {
		for key, value := range raw {
			query.Set(key, fmt.Sprint(value))
		}
	}

	cred, err := Credential(a.desc.AuthCredentialEnv)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	switch a.desc.AuthType {
	case "bearer":
		headers.Set("Authorization", "Bearer "+cred)
	case "api_key_header":
		headers.Set("X-API-Key", cred)
	case "basic":
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cred)))
	case "query_param":
		query.Set("api_key", cred)
	}
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var payload any
	if method != http.MethodGet {
		payload = body["payload"]
	}
	return doJSON(ctx, a.client, method, target, headers, payload)
}

func (a *Generic) Finalize(_ *Result, quotedSats int64) int64 { return quotedSats }

// sanitizePath normalizes the caller-supplied path and rejects anything that
// could escape the descriptor's base: traversal segments, protocol-relative
// or absolute URLs, backslashes.
func sanitizePath(p string) (string, error) {
	if p == "" {
		return "/", nil
	}
	if strings.Contains(p, "\\") || strings.Contains(p, "://") {
		return "", validationf("path %q invalid", p)
	}
	if strings.HasPrefix(p, "//") {
		return "", validationf("path %q must not be protocol-relative", p)
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", validationf("path %q must not traverse", p)
		}
	}
	return path.Clean(p), nil
}
