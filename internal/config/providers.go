package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// ProviderSpec is one entry in the provider descriptor file. Credential
// values never appear in the file; APIKeyRef names a secret (or an
// env: reference) resolved at startup.
type ProviderSpec struct {
	ID                    string `yaml:"id"`
	Name                  string `yaml:"name"`
	Enabled               *bool  `yaml:"enabled"`
	Priority              int    `yaml:"priority"`
	Model                 string `yaml:"model"`
	BaseURL               string `yaml:"base_url"`
	Region                string `yaml:"region"`
	APIKeyRef             string `yaml:"api_key_ref"`
	MaxTokensPerRequest   int    `yaml:"max_tokens_per_request"`
	RequestsPerMinute     int    `yaml:"requests_per_minute"`
	DailyTokenLimit       int64  `yaml:"daily_token_limit"`
	MonthlyTokenLimit     int64  `yaml:"monthly_token_limit"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	SupportsStreaming     *bool  `yaml:"supports_streaming"`
	SupportsFunctions     bool   `yaml:"supports_functions"`
	SupportsEmbeddings    bool   `yaml:"supports_embeddings"`
}

type providerFile struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// LoadProviders reads and validates the provider descriptor file.
func LoadProviders(path string) ([]ProviderSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	seen := make(map[string]bool)
	for _, p := range file.Providers {
		if p.ID == "" {
			return nil, fmt.Errorf("providers file: entry with empty id")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("providers file: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}

	return file.Providers, nil
}

// Descriptor converts the file entry into the immutable runtime
// descriptor. Enabled and streaming support default to true when the
// file omits them.
func (p ProviderSpec) Descriptor() domain.ProviderDescriptor {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	streaming := true
	if p.SupportsStreaming != nil {
		streaming = *p.SupportsStreaming
	}

	return domain.ProviderDescriptor{
		ID:                  p.ID,
		Name:                p.Name,
		Enabled:             enabled,
		Priority:            p.Priority,
		MaxTokensPerRequest: p.MaxTokensPerRequest,
		RequestsPerMinute:   p.RequestsPerMinute,
		DailyTokenLimit:     p.DailyTokenLimit,
		MonthlyTokenLimit:   p.MonthlyTokenLimit,
		RequestTimeout:      time.Duration(p.RequestTimeoutSeconds) * time.Second,
		SupportsStreaming:   streaming,
		SupportsFunctions:   p.SupportsFunctions,
		SupportsEmbeddings:  p.SupportsEmbeddings,
	}
}
