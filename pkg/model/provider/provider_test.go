package provider

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/config"
	"github.com/pubwiki/wikidesigner/pkg/tools"
)

type stubProvider struct {
	id string
}

func (s *stubProvider) ID() string { return s.id }

func (s *stubProvider) CreateChatCompletionStream(context.Context, []chat.ModelMessage, []tools.Tool) (chat.MessageStream, error) {
	return nil, errors.New("not implemented")
}

var testModels = []config.ModelConfig{
	{Name: "fast", Provider: config.ProviderOpenAI, Model: "qwen-plus-latest"},
	{Name: "smart", Provider: config.ProviderAnthropic, Model: "claude-sonnet-4-5"},
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	registry := NewRegistry(testModels, "fast", WithFactory(func(cfg config.ModelConfig) (Provider, error) {
		created.Add(1)
		return &stubProvider{id: cfg.Provider + "/" + cfg.Model}, nil
	}))

	p, err := registry.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "openai/qwen-plus-latest", p.ID())

	p, err = registry.Resolve("smart")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", p.ID())

	again, err := registry.Resolve("smart")
	require.NoError(t, err)
	assert.Same(t, p, again)
	assert.Equal(t, int32(2), created.Load())

	_, err = registry.Resolve("gpt-9")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestRegistry_FactoryErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	registry := NewRegistry(testModels, "fast", WithFactory(func(cfg config.ModelConfig) (Provider, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("missing key")
		}
		return &stubProvider{id: cfg.Name}, nil
	}))

	_, err := registry.Resolve("fast")
	require.ErrorContains(t, err, "missing key")

	p, err := registry.Resolve("fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", p.ID())
}

func TestNew_UnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := New(config.ModelConfig{Provider: "gemini", Model: "x"})
	require.ErrorContains(t, err, "unknown provider type: gemini")
}

func TestIsRateLimit(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRateLimit(&openaisdk.Error{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, IsRateLimit(errors.Join(errors.New("streaming"), &anthropicsdk.Error{StatusCode: http.StatusTooManyRequests})))
	assert.False(t, IsRateLimit(&openaisdk.Error{StatusCode: http.StatusInternalServerError}))
	assert.False(t, IsRateLimit(errors.New("boom")))
	assert.False(t, IsRateLimit(nil))
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusBadGateway, StatusCode(&openaisdk.Error{StatusCode: http.StatusBadGateway}))
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(errors.Join(errors.New("streaming"), &anthropicsdk.Error{StatusCode: http.StatusServiceUnavailable})))
	assert.Equal(t, 0, StatusCode(errors.New("boom")))
}
