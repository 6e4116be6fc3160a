package openai

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/config"
	"github.com/pubwiki/wikidesigner/pkg/httpclient"
	"github.com/pubwiki/wikidesigner/pkg/tools"
)

const defaultAPIKeyEnv = "OPENAI_API_KEY"

// Client talks to OpenAI or any OpenAI-compatible chat completions API.
type Client struct {
	config config.ModelConfig
	client openai.Client
}

func NewClient(cfg config.ModelConfig) (*Client, error) {
	if cfg.Provider != config.ProviderOpenAI {
		slog.Error("OpenAI client creation failed", "error", "model type must be 'openai'", "actual_type", cfg.Provider)
		return nil, errors.New("model type must be 'openai'")
	}

	keyEnv := cmp.Or(cfg.APIKeyEnv, defaultAPIKeyEnv)
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable is required", keyEnv)
	}

	requestOptions := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpclient.NewHTTPClient()),
	}
	if cfg.BaseURL != "" {
		requestOptions = append(requestOptions, option.WithBaseURL(cfg.BaseURL))
	}

	slog.Debug("OpenAI client created successfully", "model", cfg.Model, "base_url", cfg.BaseURL)
	return &Client{
		config: cfg,
		client: openai.NewClient(requestOptions...),
	}, nil
}

func (c *Client) ID() string {
	return c.config.Provider + "/" + c.config.Model
}

func (c *Client) CreateChatCompletionStream(
	ctx context.Context,
	messages []chat.ModelMessage,
	requestTools []tools.Tool,
) (chat.MessageStream, error) {
	slog.Debug("Creating OpenAI chat completion stream",
		"model", c.config.Model,
		"message_count", len(messages),
		"tool_count", len(requestTools))

	if len(messages) == 0 {
		return nil, errors.New("at least one message is required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    c.config.Model,
		Messages: convertMessages(messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if c.config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(c.config.MaxTokens)
	}

	if len(requestTools) > 0 {
		toolsParam, err := convertTools(requestTools)
		if err != nil {
			slog.Error("Failed to convert tools for OpenAI request", "error", err)
			return nil, err
		}
		params.Tools = toolsParam
	}

	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		if b, err := json.Marshal(params); err == nil {
			slog.Debug("OpenAI chat completion request", "request", string(b))
		}
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	return newStreamAdapter(stream), nil
}

func convertMessages(messages []chat.ModelMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case chat.MessageRoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case chat.MessageRoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case chat.MessageRoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = param.NewOpt(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: call.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      call.Function.Name,
							Arguments: call.Function.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case chat.MessageRoleTool:
			toolParam := openai.ChatCompletionToolMessageParam{ToolCallID: msg.ToolCallID}
			toolParam.Content.OfString = param.NewOpt(msg.Content)
			out = append(out, openai.ChatCompletionMessageParamUnion{OfTool: &toolParam})
		}
	}

	return out
}

func convertTools(requestTools []tools.Tool) ([]openai.ChatCompletionToolUnionParam, error) {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(requestTools))

	for _, tool := range requestTools {
		parameters, err := tools.SchemaToMap(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("converting schema of tool %s: %w", tool.Name, err)
		}
		out = append(out, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  shared.FunctionParameters(parameters),
		}))
	}

	return out, nil
}
