// Package resolve maps loose model identifiers onto concrete providers.
// A model id is canonicalized to "provider/model"; an explicit prefix always
// wins, otherwise the family of the model name picks the provider.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	kestrel "github.com/kestrelai/kestrel"
	"github.com/kestrelai/kestrel/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Model   string // loose or canonical model id
	APIKey  string
	BaseURL string // required for unknown providers; auto-filled for known ones

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
}

// Canonicalize normalizes a loose model id to "provider/model".
//
// An explicit "provider/" prefix is kept as-is. Otherwise the model family
// decides: claude* -> anthropic, gpt*/o1*/o3* -> openai, gemini* -> gemini,
// mistral* -> mistral, llama* -> together. Anything else defaults to openai.
func Canonicalize(model string) string {
	if model == "" {
		return ""
	}
	if strings.Contains(model, "/") {
		return model
	}
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic/" + model
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return "openai/" + model
	case strings.HasPrefix(lower, "gemini"):
		return "gemini/" + model
	case strings.HasPrefix(lower, "mistral"):
		return "mistral/" + model
	case strings.HasPrefix(lower, "llama"):
		return "together/" + model
	default:
		return "openai/" + model
	}
}

// Split returns the provider and bare model name of a canonical id.
func Split(canonical string) (provider, model string) {
	if i := strings.Index(canonical, "/"); i >= 0 {
		return canonical[:i], canonical[i+1:]
	}
	return "", canonical
}

// MaxTokensCeiling returns the per-request max_tokens ceiling for a model
// family, or 0 when no ceiling is known (provider default applies).
func MaxTokensCeiling(canonical string) int {
	_, model := Split(canonical)
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return 64000
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return 100000
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "gpt-4.1"):
		return 16384
	case strings.HasPrefix(lower, "gpt"):
		return 8192
	case strings.HasPrefix(lower, "gemini"):
		return 65536
	default:
		return 8192
	}
}

// Provider creates a kestrel.Provider from a provider-agnostic Config.
// All known providers speak the OpenAI chat completions dialect; anthropic
// and gemini are reached through their compatibility endpoints.
func Provider(cfg Config) (kestrel.Provider, error) {
	canonical := Canonicalize(cfg.Model)
	providerName, model := Split(canonical)
	if providerName == "" {
		return nil, fmt.Errorf("resolve: empty model id")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(providerName)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q and no base URL given", providerName)
	}

	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(providerName)}
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
	p := openaicompat.NewProvider(cfg.APIKey, model, baseURL, provOpts...)
	if ceiling := MaxTokensCeiling(canonical); ceiling > 0 {
		return &cappedProvider{inner: p, ceiling: ceiling, logger: slog.Default()}, nil
	}
	return p, nil
}

// cappedProvider clamps per-request max_tokens to the model family's
// ceiling before forwarding to the underlying provider.
type cappedProvider struct {
	inner   kestrel.Provider
	ceiling int
	logger  *slog.Logger
}

func (c *cappedProvider) Name() string { return c.inner.Name() }

func (c *cappedProvider) Chat(ctx context.Context, req kestrel.ChatRequest) (kestrel.ChatResponse, error) {
	return c.inner.Chat(ctx, c.cap(req))
}

func (c *cappedProvider) ChatStream(ctx context.Context, req kestrel.ChatRequest, ch chan<- kestrel.StreamEvent) (kestrel.ChatResponse, error) {
	return c.inner.ChatStream(ctx, c.cap(req), ch)
}

func (c *cappedProvider) cap(req kestrel.ChatRequest) kestrel.ChatRequest {
	if req.MaxTokens > c.ceiling {
		c.logger.Warn("max_tokens clamped to model ceiling",
			"provider", c.inner.Name(), "requested", req.MaxTokens, "ceiling", c.ceiling)
		req.MaxTokens = c.ceiling
	}
	return req
}

// FromEnv builds the default provider from LLM_MODEL, LLM_API_KEY, and
// LLM_API_BASE, wrapped with transport retry. Returns the provider and the
// canonical model id.
func FromEnv() (kestrel.Provider, string, error) {
	model := os.Getenv(kestrel.EnvModel)
	if model == "" {
		return nil, "", fmt.Errorf("resolve: %s is not set", kestrel.EnvModel)
	}
	canonical := Canonicalize(model)
	p, err := Provider(Config{
		Model:   canonical,
		APIKey:  os.Getenv(kestrel.EnvAPIKey),
		BaseURL: os.Getenv(kestrel.EnvAPIBase),
	})
	if err != nil {
		return nil, "", err
	}
	return kestrel.WithRetry(p), canonical, nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "anthropic":
		return "https://api.anthropic.com/v1"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
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
