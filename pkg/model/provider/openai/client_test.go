package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/config"
	"github.com/pubwiki/wikidesigner/pkg/tools"
)

const testKeyEnv = "WIKIDESIGNER_TEST_OPENAI_KEY"

var recordedStream = []string{
	`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"qwen","choices":[{"index":0,"delta":{"role":"assistant","content":"Let me "},"finish_reason":null}]}`,
	`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"qwen","choices":[{"index":0,"delta":{"content":"check."},"finish_reason":null}]}`,
	`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"qwen","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get-page","arguments":""}}]},"finish_reason":null}]}`,
	`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"qwen","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"title\":"}}]},"finish_reason":null}]}`,
	`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"qwen","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Dragons\"}"}}]},"finish_reason":null}]}`,
	`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"qwen","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"qwen","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
}

func newTestServer(t *testing.T, requests chan<- map[string]any) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var req map[string]any
		assert.NoError(t, json.Unmarshal(body, &req))
		requests <- req

		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range recordedStream {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestCreateChatCompletionStream(t *testing.T) {
	t.Setenv(testKeyEnv, "sk-test")

	requests := make(chan map[string]any, 1)
	srv := newTestServer(t, requests)

	client, err := NewClient(config.ModelConfig{
		Name:      "qwen-plus",
		Provider:  config.ProviderOpenAI,
		Model:     "qwen-plus-latest",
		BaseURL:   srv.URL + "/v1/",
		APIKeyEnv: testKeyEnv,
		MaxTokens: 1024,
	})
	require.NoError(t, err)
	assert.Equal(t, "openai/qwen-plus-latest", client.ID())

	stream, err := client.CreateChatCompletionStream(t.Context(), []chat.ModelMessage{
		{Role: chat.MessageRoleSystem, Content: "You are a wiki designer."},
		{Role: chat.MessageRoleUser, Content: "Open the dragons page"},
	}, []tools.Tool{{
		Name:        "get-page",
		Description: "Read a page",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"title": map[string]any{"type": "string"}}},
	}})
	require.NoError(t, err)
	defer stream.Close()

	var (
		content string
		deltas  []chat.ToolCallDelta
		finish  chat.FinishReason
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		content += resp.Content
		deltas = append(deltas, resp.ToolCalls...)
		if resp.FinishReason != "" {
			finish = resp.FinishReason
		}
	}

	assert.Equal(t, "Let me check.", content)
	assert.Equal(t, chat.FinishReasonToolCalls, finish)
	assert.Equal(t, []chat.ToolCallDelta{
		{Index: 0, ID: "call_1", Name: "get-page"},
		{Index: 0, Arguments: `{"title":`},
		{Index: 0, Arguments: `"Dragons"}`},
	}, deltas)

	req := <-requests
	assert.Equal(t, "qwen-plus-latest", req["model"])
	assert.Equal(t, true, req["stream"])
	assert.InDelta(t, 1024, req["max_tokens"], 0)
	require.Len(t, req["messages"], 2)
	require.Len(t, req["tools"], 1)
}

func TestNewClient_MissingAPIKey(t *testing.T) {
	t.Setenv(testKeyEnv, "")

	_, err := NewClient(config.ModelConfig{Provider: config.ProviderOpenAI, Model: "gpt-4o", APIKeyEnv: testKeyEnv})
	require.ErrorContains(t, err, testKeyEnv)

	_, err = NewClient(config.ModelConfig{Provider: config.ProviderAnthropic, Model: "claude"})
	require.Error(t, err)
}

func TestConvertMessages(t *testing.T) {
	t.Parallel()

	out := convertMessages([]chat.ModelMessage{
		{Role: chat.MessageRoleSystem, Content: "sys"},
		{Role: chat.MessageRoleUser, Content: "hi"},
		{
			Role:    chat.MessageRoleAssistant,
			Content: "looking",
			ToolCalls: []tools.ToolCall{{
				ID:       "call_1",
				Type:     tools.ToolTypeFunction,
				Function: tools.FunctionCall{Name: "get-page", Arguments: `{"title":"Dragons"}`},
			}},
		},
		{Role: chat.MessageRoleTool, Content: "page body", ToolCallID: "call_1"},
	})

	require.Len(t, out, 4)
	assert.NotNil(t, out[0].OfSystem)
	assert.NotNil(t, out[1].OfUser)

	require.NotNil(t, out[2].OfAssistant)
	assert.Equal(t, "looking", out[2].OfAssistant.Content.OfString.Value)
	require.Len(t, out[2].OfAssistant.ToolCalls, 1)
	call := out[2].OfAssistant.ToolCalls[0].OfFunction
	require.NotNil(t, call)
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "get-page", call.Function.Name)
	assert.JSONEq(t, `{"title":"Dragons"}`, call.Function.Arguments)

	require.NotNil(t, out[3].OfTool)
	assert.Equal(t, "call_1", out[3].OfTool.ToolCallID)
	assert.Equal(t, "page body", out[3].OfTool.Content.OfString.Value)
}

func TestConvertTools(t *testing.T) {
	t.Parallel()

	out, err := convertTools([]tools.Tool{{Name: "ping", Description: "no arguments"}})
	require.NoError(t, err)
	require.Len(t, out, 1)

	fn := out[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "ping", fn.Function.Name)
	assert.Equal(t, "object", fn.Function.Parameters["type"])
	assert.Equal(t, map[string]any{}, fn.Function.Parameters["properties"])
}
