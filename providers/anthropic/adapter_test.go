package anthropic

import (
	"strings"
	"testing"

	"github.com/domainpulse/domainpulse/providers"
)

func TestBuildRequestHeaders(t *testing.T) {
	adapter := NewAdapter("", providers.GenerationOptions{})
	req, err := adapter.BuildRequest("claude-3-5-haiku", "Describe example.com", "test-key")
	if err != nil {
		t.Fatalf("BuildRequest failed: %v", err)
	}

	if req.Headers["x-api-key"] != "test-key" {
		t.Errorf("x-api-key = %q", req.Headers["x-api-key"])
	}
	if req.Headers["anthropic-version"] == "" {
		t.Error("anthropic-version header missing")
	}
	if req.Headers["Authorization"] != "" {
		t.Error("must not send Bearer auth")
	}
	if !strings.HasSuffix(req.URL, "/messages") {
		t.Errorf("URL = %q", req.URL)
	}
}

func TestParseResponseConcatenatesBlocks(t *testing.T) {
	adapter := NewAdapter("", providers.GenerationOptions{})
	text, err := adapter.ParseResponse([]byte(`{"content":[{"type":"text","text":"part one"},{"type":"text","text":" part two"}]}`))
	if err != nil {
		t.Fatalf("ParseResponse failed: %v", err)
	}
	if text != "part one part two" {
		t.Errorf("text = %q", text)
	}
}
