// Package resolve creates providers from provider-agnostic configuration,
// mapping provider names to the right protocol package and base URL.
package resolve

import (
	"fmt"

	conduit "github.com/nevindra/conduit"
	"github.com/nevindra/conduit/provider/openaicompat"
	"github.com/nevindra/conduit/provider/responses"
)

// Config holds provider-agnostic configuration for creating a Provider.
type Config struct {
	Provider string // "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // required for unknown providers; auto-filled for known ones

	// Common cross-provider options (nil = provider default).
	Temperature *float64
	TopP        *float64
}

// Provider creates a conduit.Provider from a Config. "openai" gets the
// server-threaded responses protocol; every other compatible backend gets
// the legacy chat-completions protocol.
func Provider(cfg Config) (conduit.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return responsesProvider(cfg), nil
	case "groq", "deepseek", "together", "mistral", "ollama":
		return compatProvider(cfg), nil
	default:
		if cfg.BaseURL != "" {
			return compatProvider(cfg), nil
		}
		return nil, fmt.Errorf("resolve: unknown provider %q and no base URL", cfg.Provider)
	}
}

func responsesProvider(cfg Config) conduit.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL("openai")
	}
	return responses.New(cfg.APIKey, cfg.Model, baseURL)
}

func compatProvider(cfg Config) conduit.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.New(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
