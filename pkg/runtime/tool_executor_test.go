package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pubwiki/wikidesigner/pkg/tools"
)

func callOf(name, args string) tools.ToolCall {
	return tools.ToolCall{
		ID:       "call_1",
		Type:     tools.ToolTypeFunction,
		Function: tools.FunctionCall{Name: name, Arguments: args},
	}
}

func TestToolExecutor_Execute(t *testing.T) {
	t.Parallel()

	failing := tools.Tool{
		Name: "fails",
		Handler: func(context.Context, tools.ToolCall) (*tools.ToolCallResult, error) {
			return nil, errors.New("wiki is down")
		},
	}
	silent := tools.Tool{
		Name: "silent",
		Handler: func(context.Context, tools.ToolCall) (*tools.ToolCallResult, error) {
			return nil, nil
		},
	}
	broken := tools.Tool{
		Name:       "broken-schema",
		Parameters: map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": 12}}},
		Handler: func(context.Context, tools.ToolCall) (*tools.ToolCallResult, error) {
			return tools.ResultSuccess("ran"), nil
		},
	}
	var calls atomic.Int32
	source := newCountingToolSource(echoTool(&calls), failing, silent, broken)
	e := newToolExecutor(noop.NewTracerProvider().Tracer("test"))

	tests := []struct {
		name    string
		call    tools.ToolCall
		want    string
		isError bool
	}{
		{name: "success", call: callOf("echo", `{"text":"hi"}`), want: `echo: {"text":"hi"}`},
		{name: "unknown", call: callOf("nope", `{}`), want: "Tool 'nope' is not available.", isError: true},
		{name: "missing required", call: callOf("echo", ``), want: "text is required", isError: true},
		{name: "not an object", call: callOf("echo", `[1]`), want: "Invalid arguments for tool 'echo': arguments must be a JSON object", isError: true},
		{name: "handler error", call: callOf("fails", `{}`), want: "Error calling tool: wiki is down", isError: true},
		{name: "nil result", call: callOf("silent", `{}`)},
		{name: "uncompilable schema", call: callOf("broken-schema", `{"x":1}`), want: "ran"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res := e.Execute(t.Context(), source, "c1", tt.call)
			require.NotNil(t, res)
			if tt.want == "" {
				assert.Empty(t, res.Output)
			} else {
				assert.Contains(t, res.Output, tt.want)
			}
			assert.Equal(t, tt.isError, res.IsError)
		})
	}
}

func TestToolExecutor_Canceled(t *testing.T) {
	t.Parallel()

	blocking := tools.Tool{
		Name: "wait",
		Handler: func(ctx context.Context, _ tools.ToolCall) (*tools.ToolCallResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e := newToolExecutor(noop.NewTracerProvider().Tracer("test"))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	res := e.Execute(ctx, newCountingToolSource(blocking), "c1", callOf("wait", `{}`))

	assert.Equal(t, "The tool call was canceled.", res.Output)
	assert.True(t, res.IsError)
}

func TestToolExecutor_NilSource(t *testing.T) {
	t.Parallel()

	e := newToolExecutor(noop.NewTracerProvider().Tracer("test"))
	res := e.Execute(t.Context(), nil, "c1", callOf("echo", `{}`))
	assert.True(t, res.IsError)
}

func TestToolExecutor_CachesSchemas(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tool := echoTool(&calls)
	e := newToolExecutor(noop.NewTracerProvider().Tracer("test"))

	first, err := e.schemaFor(tool)
	require.NoError(t, err)
	second, err := e.schemaFor(tool)
	require.NoError(t, err)
	assert.Same(t, first, second)
}
