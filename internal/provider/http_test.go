package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/services"
)

func testEndpoint(url string) config.Provider {
	return config.Provider{
		BaseURL:        url,
		APIKey:         "secret",
		TimeoutSeconds: 5,
		Retryable:      true,
		Idempotent:     true,
	}
}

func TestHTTPProviderExecuteSuccess(t *testing.T) {
	var captured executeEnvelope
	var idempotencyKey, authorization string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/execute" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		idempotencyKey = r.Header.Get("Idempotency-Key")
		authorization = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"script":"hello"}`))
	}))
	defer server.Close()

	p := NewHTTPProvider("text", testEndpoint(server.URL))
	output, err := p.Execute(context.Background(), Input{
		RecordID:       42,
		RunID:          "run-1",
		PhaseID:        "generate_script",
		Fields:         map[string]any{"topic": "widgets"},
		Upstream:       map[string]json.RawMessage{"fetch_product": json.RawMessage(`{"sku":"w-1"}`)},
		IdempotencyKey: "rec42-generate_script",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if string(output.Payload) != `{"script":"hello"}` {
		t.Fatalf("payload = %s", output.Payload)
	}
	if captured.RecordID != 42 || captured.PhaseID != "generate_script" {
		t.Fatalf("envelope = %+v", captured)
	}
	if idempotencyKey != "rec42-generate_script" {
		t.Fatalf("idempotency key header = %q", idempotencyKey)
	}
	if authorization != "Bearer secret" {
		t.Fatalf("authorization header = %q", authorization)
	}
}

func TestHTTPProviderStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		marker error
	}{
		{"rate limited", http.StatusTooManyRequests, services.ErrRateLimited},
		{"server error", http.StatusBadGateway, services.ErrTransient},
		{"validation", http.StatusUnprocessableEntity, services.ErrValidation},
		{"bad request", http.StatusBadRequest, services.ErrValidation},
		{"client error", http.StatusForbidden, services.ErrFatal},
		{"request timeout", http.StatusRequestTimeout, services.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			p := NewHTTPProvider("text", testEndpoint(server.URL))
			_, err := p.Execute(context.Background(), Input{PhaseID: "generate_script"})
			if !errors.Is(err, tt.marker) {
				t.Fatalf("status %d classified as %v, want %v", tt.status, err, tt.marker)
			}
		})
	}
}

func TestHTTPProviderTransportErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // refuse connections

	p := NewHTTPProvider("text", testEndpoint(server.URL))
	_, err := p.Execute(context.Background(), Input{PhaseID: "generate_script"})
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("connection refused should classify transient, got %v", err)
	}
}

func TestHTTPProviderContextCancellation(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	p := NewHTTPProvider("text", testEndpoint(server.URL))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := p.Execute(ctx, Input{PhaseID: "generate_script"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHTTPProviderTraitsFromConfig(t *testing.T) {
	p := NewHTTPProvider("voice", config.Provider{
		BaseURL:        "http://localhost:8085",
		TimeoutSeconds: 120,
		Retryable:      true,
	})
	traits := p.Traits()
	if traits.Timeout != 2*time.Minute {
		t.Fatalf("timeout = %s", traits.Timeout)
	}
	if !traits.Retryable || traits.Idempotent {
		t.Fatalf("traits = %+v", traits)
	}
}

func TestRegistryResolve(t *testing.T) {
	cfg := config.Default()
	registry, err := RegistryFromConfig(&cfg)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	for _, phase := range cfg.Phases {
		if _, err := registry.Resolve(phase.Provider); err != nil {
			t.Fatalf("resolve %s: %v", phase.Provider, err)
		}
	}
	if _, err := registry.Resolve("missing"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("unknown provider should be a configuration error, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	p := NewHTTPProvider("text", testEndpoint("http://localhost:8082"))
	if err := registry.Register(p); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := registry.Register(p); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("duplicate register should fail, got %v", err)
	}
}
