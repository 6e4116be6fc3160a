package provider

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/kofalt/go-memoize"
	openaisdk "github.com/openai/openai-go/v3"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/config"
	"github.com/pubwiki/wikidesigner/pkg/model/provider/anthropic"
	"github.com/pubwiki/wikidesigner/pkg/model/provider/openai"
	"github.com/pubwiki/wikidesigner/pkg/tools"
)

var ErrUnknownModel = errors.New("unknown model")

// Provider defines the interface for model providers
type Provider interface {
	// ID returns provider/model.
	ID() string
	// CreateChatCompletionStream starts a streaming completion. System messages
	// in messages are passed the way the provider expects them.
	CreateChatCompletionStream(
		ctx context.Context,
		messages []chat.ModelMessage,
		tools []tools.Tool,
	) (chat.MessageStream, error)
}

func New(cfg config.ModelConfig) (Provider, error) {
	slog.Debug("Creating model provider", "provider", cfg.Provider, "model", cfg.Model)

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return openai.NewClient(cfg)
	case config.ProviderAnthropic:
		return anthropic.NewClient(cfg)
	default:
		slog.Error("Unknown provider type", "provider", cfg.Provider)
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Provider)
	}
}

// StatusCode returns the HTTP status of a provider API error, or 0.
func StatusCode(err error) int {
	var openaiErr *openaisdk.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode
	}
	var anthropicErr *anthropicsdk.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	return 0
}

// IsRateLimit reports whether err is a provider's HTTP 429 response.
func IsRateLimit(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// Registry resolves the model names clients select to providers.
// Clients are created on first use and reused while they stay cached.
type Registry struct {
	models       map[string]config.ModelConfig
	defaultModel string
	cache        *memoize.Memoizer
	factory      func(config.ModelConfig) (Provider, error)
}

type RegistryOpt func(*Registry)

// WithFactory replaces New as the way clients are created.
func WithFactory(factory func(config.ModelConfig) (Provider, error)) RegistryOpt {
	return func(r *Registry) {
		r.factory = factory
	}
}

func NewRegistry(models []config.ModelConfig, defaultModel string, opts ...RegistryOpt) *Registry {
	r := &Registry{
		models:       make(map[string]config.ModelConfig, len(models)),
		defaultModel: defaultModel,
		cache:        memoize.NewMemoizer(time.Hour, 10*time.Minute),
		factory:      New,
	}
	for _, m := range models {
		r.models[m.Name] = m
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the provider for name, or for the default model when name is empty.
func (r *Registry) Resolve(name string) (Provider, error) {
	name = cmp.Or(name, r.defaultModel)
	cfg, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}

	v, err, cached := r.cache.Memoize(name, func() (any, error) {
		return r.factory(cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("creating provider for model %s: %w", name, err)
	}
	slog.Debug("Resolved model provider", "model", name, "cached", cached)

	return v.(Provider), nil
}
