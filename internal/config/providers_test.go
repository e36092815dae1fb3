package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write providers file: %v", err)
	}
	return path
}

func TestLoadProviders(t *testing.T) {
	path := writeProvidersFile(t, `
providers:
  - id: openai
    name: OpenAI
    priority: 100
    model: gpt-4o-mini
    api_key_ref: env:OPENAI_API_KEY
    requests_per_minute: 60
    daily_token_limit: 500000
    request_timeout_seconds: 45
  - id: ollama
    name: Ollama
    enabled: false
    priority: 10
    base_url: http://localhost:11434
    supports_streaming: false
`)

	specs, err := LoadProviders(path)
	if err != nil {
		t.Fatalf("LoadProviders() = %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("providers = %d, want 2", len(specs))
	}

	desc := specs[0].Descriptor()
	if !desc.Enabled {
		t.Error("enabled should default to true when omitted")
	}
	if !desc.SupportsStreaming {
		t.Error("streaming should default to true when omitted")
	}
	if desc.RequestTimeout != 45*time.Second {
		t.Errorf("request timeout = %v, want 45s", desc.RequestTimeout)
	}
	if desc.DailyTokenLimit != 500_000 {
		t.Errorf("daily token limit = %d", desc.DailyTokenLimit)
	}

	desc = specs[1].Descriptor()
	if desc.Enabled {
		t.Error("explicit enabled: false not honored")
	}
	if desc.SupportsStreaming {
		t.Error("explicit supports_streaming: false not honored")
	}
}

func TestLoadProvidersRejectsDuplicateIDs(t *testing.T) {
	path := writeProvidersFile(t, `
providers:
  - id: openai
  - id: openai
`)
	if _, err := LoadProviders(path); err == nil {
		t.Error("LoadProviders() = nil, want duplicate id error")
	}
}

func TestLoadProvidersRejectsEmptyID(t *testing.T) {
	path := writeProvidersFile(t, `
providers:
  - name: Nameless
`)
	if _, err := LoadProviders(path); err == nil {
		t.Error("LoadProviders() = nil, want empty id error")
	}
}

func TestLoadProvidersMissingFile(t *testing.T) {
	if _, err := LoadProviders(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadProviders() = nil, want error for missing file")
	}
}
