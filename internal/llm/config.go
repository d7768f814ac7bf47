// Package llm provides model backends implementing ports.ModelClient. The
// default backend speaks the OpenAI-compatible chat completions API over
// SSE; a scripted client backs tests and offline runs.
package llm

import (
	"strings"
	"time"
)

// Config holds backend connection settings.
type Config struct {
	Model   string            `mapstructure:"model"`
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Timeout int               `mapstructure:"timeout"` // seconds
	Headers map[string]string `mapstructure:"headers"`
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return time.Duration(c.Timeout) * time.Second
	}
	return 120 * time.Second
}

func (c Config) baseURL() string {
	if c.BaseURL == "" {
		return "https://api.openai.com/v1"
	}
	return strings.TrimRight(c.BaseURL, "/")
}
