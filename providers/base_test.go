package providers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/domainpulse/domainpulse/core"
	"github.com/domainpulse/domainpulse/providers"
	"github.com/domainpulse/domainpulse/providers/openai"
)

func newTestCaller() *providers.Caller {
	return providers.NewCaller("openai-test", 5*time.Second, nil, nil)
}

func TestGenerateSuccess(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"choices":[{"message":{"content":"a search engine"}}]}`))
	}))
	defer server.Close()

	adapter := openai.NewAdapter(server.URL, providers.GenerationOptions{})
	text, latency, err := newTestCaller().Generate(context.Background(), adapter, "gpt-4o-mini", "Describe example.com", "sk-test")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if text != "a search engine" {
		t.Errorf("text = %q", text)
	}
	if latency <= 0 {
		t.Error("expected positive latency")
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestGenerateStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   core.ErrorClass
	}{
		{"429 is rate limit", http.StatusTooManyRequests, `{"error":"slow down"}`, core.ClassRateLimit},
		{"quota message is rate limit", http.StatusBadRequest, `{"error":"quota exceeded"}`, core.ClassRateLimit},
		{"401 is fatal", http.StatusUnauthorized, `{"error":"bad key"}`, core.ClassFatal},
		{"404 is fatal", http.StatusNotFound, `{"error":"no such model"}`, core.ClassFatal},
		{"503 is transient", http.StatusServiceUnavailable, `{"error":"overloaded"}`, core.ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			adapter := openai.NewAdapter(server.URL, providers.GenerationOptions{})
			_, _, err := newTestCaller().Generate(context.Background(), adapter, "gpt-4o-mini", "p", "k")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := core.Classify(err); got != tt.want {
				t.Errorf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateParseFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer server.Close()

	adapter := openai.NewAdapter(server.URL, providers.GenerationOptions{})
	_, _, err := newTestCaller().Generate(context.Background(), adapter, "gpt-4o-mini", "p", "k")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := core.Classify(err); got != core.ClassParse {
		t.Errorf("Classify = %q, want parse", got)
	}
}

func TestGenerateEmptyCompletionIsParse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	adapter := openai.NewAdapter(server.URL, providers.GenerationOptions{})
	_, _, err := newTestCaller().Generate(context.Background(), adapter, "gpt-4o-mini", "p", "k")
	if !errors.Is(err, core.ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
	if got := core.Classify(err); got != core.ClassParse {
		t.Errorf("Classify = %q, want parse", got)
	}
}

func TestGenerateConnectionRefusedIsTransient(t *testing.T) {
	// Closed port: transport error, not a response
	adapter := openai.NewAdapter("http://127.0.0.1:1", providers.GenerationOptions{})
	_, _, err := newTestCaller().Generate(context.Background(), adapter, "gpt-4o-mini", "p", "k")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := core.Classify(err); got != core.ClassTransient {
		t.Errorf("Classify = %q, want transient", got)
	}
}
