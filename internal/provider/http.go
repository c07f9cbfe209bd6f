package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

const defaultHTTPTimeout = 60 * time.Second

// RegistryFromConfig builds a registry with one HTTP provider per
// configured endpoint.
func RegistryFromConfig(cfg *config.Config, opts ...HTTPOption) (*Registry, error) {
	registry := NewRegistry()
	for name, endpoint := range cfg.Providers {
		if err := registry.Register(NewHTTPProvider(name, endpoint, opts...)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// HTTPDoer is the subset of http.Client the provider needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProvider calls a collaborator service over HTTP. The wire contract is
// a single POST /execute carrying the input envelope; a 2xx response body is
// taken verbatim as the output payload.
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	traits  Traits
	client  HTTPDoer
}

// HTTPOption customizes an HTTP provider.
type HTTPOption func(*HTTPProvider)

// WithHTTPDoer overrides the HTTP client (useful for tests).
func WithHTTPDoer(client HTTPDoer) HTTPOption {
	return func(p *HTTPProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// NewHTTPProvider constructs a provider from its endpoint configuration.
func NewHTTPProvider(name string, cfg config.Provider, opts ...HTTPOption) *HTTPProvider {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	p := &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		traits: Traits{
			Timeout:    timeout,
			Retryable:  cfg.Retryable,
			Idempotent: cfg.Idempotent,
		},
		client: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the dependency name this provider is registered under.
func (p *HTTPProvider) Name() string { return p.name }

// Traits returns the provider's execution annotations.
func (p *HTTPProvider) Traits() Traits { return p.traits }

type executeEnvelope struct {
	RecordID int64                      `json:"record_id"`
	RunID    string                     `json:"run_id"`
	PhaseID  string                     `json:"phase_id"`
	Fields   map[string]any             `json:"fields,omitempty"`
	Upstream map[string]json.RawMessage `json:"upstream,omitempty"`
	Options  map[string]any             `json:"options,omitempty"`
}

// Execute posts the input envelope and classifies failures by status code:
// 429 is rate limiting, 5xx is transient, 4xx is fatal (422 validation),
// and transport errors are transient.
func (p *HTTPProvider) Execute(ctx context.Context, input Input) (Output, error) {
	if p.baseURL == "" {
		return Output{}, services.Wrap(services.ErrConfiguration, p.name, "execute",
			"provider base_url not configured", nil)
	}
	envelope := executeEnvelope{
		RecordID: input.RecordID,
		RunID:    input.RunID,
		PhaseID:  input.PhaseID,
		Fields:   input.Fields,
		Upstream: input.Upstream,
		Options:  input.Options,
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return Output{}, services.Wrap(services.ErrFatal, p.name, "execute", "encode request", err)
	}
	endpoint, err := url.JoinPath(p.baseURL, "/execute")
	if err != nil {
		return Output{}, services.Wrap(services.ErrConfiguration, p.name, "execute", "build url", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return Output{}, services.Wrap(services.ErrFatal, p.name, "execute", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if input.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", input.IdempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{}, ctxErr
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return Output{}, services.Wrap(services.ErrTimeout, p.name, "execute", "request timed out", err)
		}
		return Output{}, services.Wrap(services.ErrTransient, p.name, "execute", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Output{}, services.Wrap(services.ErrTransient, p.name, "execute", "read response", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Output{Payload: body}, nil
	}

	marker := classifyStatus(resp.StatusCode)
	message := fmt.Sprintf("http %d: %s", resp.StatusCode, summarizeBody(body))
	return Output{}, services.Wrap(marker, p.name, "execute", message, nil)
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return services.ErrRateLimited
	case status >= 500:
		return services.ErrTransient
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return services.ErrValidation
	case status == http.StatusRequestTimeout:
		return services.ErrTimeout
	default:
		return services.ErrFatal
	}
}

func summarizeBody(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	if text == "" {
		return "(empty body)"
	}
	return text
}
