package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// LLM fronts a chat-completion provider. Quotes from the request token
// budget, finalizes from reported usage.
type LLM struct {
	slug          string
	capability    string
	baseURL       string
	credentialEnv string
	prices        PriceSource
	client        *http.Client
}

// NewLLM constructs a chat adapter for the given provider.
func NewLLM(slug, capability, baseURL, credentialEnv string, prices PriceSource, client *http.Client) (*LLM, error) {
	if !ValidCredentialEnv(credentialEnv) {
		return nil, validationf("credential env %q not allowlisted", credentialEnv)
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &LLM{slug: slug, capability: capability, baseURL: baseURL, credentialEnv: credentialEnv, prices: prices, client: client}, nil
}

func (a *LLM) Slug() string       { return a.slug }
func (a *LLM) Capability() string { return a.capability }

const defaultTokenBudget = 1024

func (a *LLM) Quote(ctx context.Context, body map[string]any) (Quote, error) {
	if stringField(body, "prompt") == "" {
		if _, ok := body["messages"]; !ok {
			return Quote{}, validationf("prompt or messages required")
		}
	}
	maxTokens, ok := intField(body, "maxTokens")
	if !ok || maxTokens <= 0 {
		maxTokens = defaultTokenBudget
	}
	price, err := a.prices.Price(a.slug, "chat")
	if err != nil {
		return Quote{}, validationf("operation %s/chat not priced", a.slug)
	}
	return Quote{Operation: "chat", Sats: ceilDiv(maxTokens, 1000) * price.PriceSats}, nil
}

func (a *LLM) Execute(ctx context.Context, body map[string]any) (*Result, error) {
	cred, err := Credential(a.credentialEnv)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if model := stringField(body, "model"); model != "" {
		payload["model"] = model
	}
	if messages, ok := body["messages"]; ok {
		payload["messages"] = messages
	} else {
		payload["messages"] = []map[string]any{{"role": "user", "content": stringField(body, "prompt")}}
	}
	if maxTokens, ok := intField(body, "maxTokens"); ok && maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred)
	res, err := doJSON(ctx, a.client, http.MethodPost, a.baseURL+"/chat/completions", headers, payload)
	if err != nil {
		return res, err
	}
	var usage struct {
		Usage struct {
			TotalTokens int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(res.Data, &usage); err == nil {
		res.Usage.TotalTokens = usage.Usage.TotalTokens
	}
	return res, nil
}

func (a *LLM) Finalize(res *Result, quotedSats int64) int64 {
	if res == nil || res.Usage.TotalTokens <= 0 {
		return quotedSats
	}
	price, err := a.prices.Price(a.slug, "chat")
	if err != nil {
		return quotedSats
	}
	return clamp(ceilDiv(res.Usage.TotalTokens, 1000)*price.PriceSats, quotedSats)
}

// Search fronts a flat-rate web search provider.
type Search struct {
	slug          string
	baseURL       string
	credentialEnv string
	prices        PriceSource
	client        *http.Client
}

// NewSearch constructs a per-request search adapter.
func NewSearch(slug, baseURL, credentialEnv string, prices PriceSource, client *http.Client) (*Search, error) {
	if !ValidCredentialEnv(credentialEnv) {
		return nil, validationf("credential env %q not allowlisted", credentialEnv)
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &Search{slug: slug, baseURL: baseURL, credentialEnv: credentialEnv, prices: prices, client: client}, nil
}

func (a *Search) Slug() string       { return a.slug }
func (a *Search) Capability() string { return "search" }

func (a *Search) Quote(ctx context.Context, body map[string]any) (Quote, error) {
	if stringField(body, "query") == "" {
		return Quote{}, validationf("query required")
	}
	price, err := a.prices.Price(a.slug, "search")
	if err != nil {
		return Quote{}, validationf("operation %s/search not priced", a.slug)
	}
	return Quote{Operation: "search", Sats: price.PriceSats}, nil
}

func (a *Search) Execute(ctx context.Context, body map[string]any) (*Result, error) {
	cred, err := Credential(a.credentialEnv)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"query": stringField(body, "query")}
	if count, ok := intField(body, "count"); ok && count > 0 {
		payload["count"] = count
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred)
	return doJSON(ctx, a.client, http.MethodPost, a.baseURL+"/search", headers, payload)
}

func (a *Search) Finalize(_ *Result, quotedSats int64) int64 { return quotedSats }

// ImageGen fronts an async image-generation provider: submit a job, then
// poll to a terminal state under the execute deadline.
type ImageGen struct {
	slug          string
	baseURL       string
	credentialEnv string
	prices        PriceSource
	client        *http.Client
	pollInterval  time.Duration
	pollDeadline  time.Duration
}

// NewImageGen constructs a polling image-generation adapter.
func NewImageGen(slug, baseURL, credentialEnv string, prices PriceSource, client *http.Client) (*ImageGen, error) {
	if !ValidCredentialEnv(credentialEnv) {
		return nil, validationf("credential env %q not allowlisted", credentialEnv)
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &ImageGen{
		slug:          slug,
		baseURL:       baseURL,
		credentialEnv: credentialEnv,
		prices:        prices,
		client:        client,
		pollInterval:  2 * time.Second,
		pollDeadline:  55 * time.Second,
	}, nil
}

// WithPolling overrides the poll cadence, for tests.
func (a *ImageGen) WithPolling(interval, deadline time.Duration) *ImageGen {
	a.pollInterval = interval
	a.pollDeadline = deadline
	return a
}

func (a *ImageGen) Slug() string       { return a.slug }
func (a *ImageGen) Capability() string { return "imagine" }

func (a *ImageGen) Quote(ctx context.Context, body map[string]any) (Quote, error) {
	if stringField(body, "prompt") == "" {
		return Quote{}, validationf("prompt required")
	}
	price, err := a.prices.Price(a.slug, "generate")
	if err != nil {
		return Quote{}, validationf("operation %s/generate not priced", a.slug)
	}
	return Quote{Operation: "generate", Sats: price.PriceSats}, nil
}

func (a *ImageGen) Execute(ctx context.Context, body map[string]any) (*Result, error) {
	cred, err := Credential(a.credentialEnv)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred)
	payload := map[string]any{"prompt": stringField(body, "prompt")}
	if size := stringField(body, "size"); size != "" {
		payload["size"] = size
	}
	created, err := doJSON(ctx, a.client, http.MethodPost, a.baseURL+"/images", headers, payload)
	if err != nil {
		return created, err
	}
	var job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(created.Data, &job); err != nil || job.ID == "" {
		return created, &UpstreamError{Status: created.Status, Message: "job id missing from create response"}
	}
	deadline := time.Now().Add(a.pollDeadline)
	for {
		poll, err := doJSON(ctx, a.client, http.MethodGet, a.baseURL+"/images/"+job.ID, headers, nil)
		if err != nil {
			return poll, err
		}
		var state struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(poll.Data, &state); err != nil {
			return poll, &UpstreamError{Status: poll.Status, Message: "unreadable job state"}
		}
		switch state.Status {
		case "succeeded":
			return poll, nil
		case "failed":
			msg := state.Error
			if msg == "" {
				msg = "generation failed"
			}
			return poll, &UpstreamError{Status: poll.Status, Message: msg}
		}
		if time.Now().After(deadline) {
			return poll, &UpstreamError{Message: fmt.Sprintf("job %s did not complete within %s", job.ID, a.pollDeadline)}
		}
		select {
		case <-ctx.Done():
			return poll, &UpstreamError{Message: ctx.Err().Error()}
		case <-time.After(a.pollInterval):
		}
	}
}

func (a *ImageGen) Finalize(_ *Result, quotedSats int64) int64 { return quotedSats }

// Speech fronts a transcription provider billed per minute of audio.
type Speech struct {
	slug          string
	baseURL       string
	credentialEnv string
	prices        PriceSource
	client        *http.Client
}

// NewSpeech constructs a per-minute transcription adapter.
func NewSpeech(slug, baseURL, credentialEnv string, prices PriceSource, client *http.Client) (*Speech, error) {
	if !ValidCredentialEnv(credentialEnv) {
		return nil, validationf("credential env %q not allowlisted", credentialEnv)
	}
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &Speech{slug: slug, baseURL: baseURL, credentialEnv: credentialEnv, prices: prices, client: client}, nil
}

func (a *Speech) Slug() string       { return a.slug }
func (a *Speech) Capability() string { return "transcribe" }

func (a *Speech) Quote(ctx context.Context, body map[string]any) (Quote, error) {
	if stringField(body, "audioUrl") == "" {
		return Quote{}, validationf("audioUrl required")
	}
	seconds, ok := intField(body, "durationSeconds")
	if !ok || seconds <= 0 {
		seconds = 60
	}
	price, err := a.prices.Price(a.slug, "transcribe")
	if err != nil {
		return Quote{}, validationf("operation %s/transcribe not priced", a.slug)
	}
	return Quote{Operation: "transcribe", Sats: ceilDiv(seconds, 60) * price.PriceSats}, nil
}

func (a *Speech) Execute(ctx context.Context, body map[string]any) (*Result, error) {
	cred, err := Credential(a.credentialEnv)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cred)
	payload := map[string]any{"audio_url": stringField(body, "audioUrl")}
	if lang := stringField(body, "language"); lang != "" {
		payload["language"] = lang
	}
	res, err := doJSON(ctx, a.client, http.MethodPost, a.baseURL+"/transcriptions", headers, payload)
	if err != nil {
		return res, err
	}
	var report struct {
		Duration float64 `json:"duration"`
	}
	if err := json.Unmarshal(res.Data, &report); err == nil {
		res.Usage.DurationSeconds = report.Duration
	}
	return res, nil
}

func (a *Speech) Finalize(res *Result, quotedSats int64) int64 {
	if res == nil || res.Usage.DurationSeconds <= 0 {
		return quotedSats
	}
	price, err := a.prices.Price(a.slug, "transcribe")
	if err != nil {
		return quotedSats
	}
	minutes := ceilDiv(int64(res.Usage.DurationSeconds+0.999), 60)
	if minutes < 1 {
		minutes = 1
	}
	return clamp(minutes*price.PriceSats, quotedSats)
}
