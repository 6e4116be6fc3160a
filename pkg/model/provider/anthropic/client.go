package anthropic

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/config"
	"github.com/pubwiki/wikidesigner/pkg/httpclient"
	"github.com/pubwiki/wikidesigner/pkg/tools"
)

const (
	defaultAPIKeyEnv = "ANTHROPIC_API_KEY"
	defaultMaxTokens = 8192
)

// Client represents an Anthropic client wrapper
type Client struct {
	config config.ModelConfig
	client anthropic.Client
}

func NewClient(cfg config.ModelConfig) (*Client, error) {
	if cfg.Provider != config.ProviderAnthropic {
		slog.Error("Anthropic client creation failed", "error", "model type must be 'anthropic'", "actual_type", cfg.Provider)
		return nil, errors.New("model type must be 'anthropic'")
	}

	keyEnv := cmp.Or(cfg.APIKeyEnv, defaultAPIKeyEnv)
	authToken := os.Getenv(keyEnv)
	if authToken == "" {
		return nil, fmt.Errorf("%s environment variable is required", keyEnv)
	}

	requestOptions := []option.RequestOption{
		option.WithAPIKey(authToken),
		option.WithHTTPClient(httpclient.NewHTTPClient()),
	}
	if cfg.BaseURL != "" {
		requestOptions = append(requestOptions, option.WithBaseURL(cfg.BaseURL))
	}

	slog.Debug("Anthropic client created successfully", "model", cfg.Model)
	return &Client{
		config: cfg,
		client: anthropic.NewClient(requestOptions...),
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
	slog.Debug("Creating Anthropic chat completion stream",
		"model", c.config.Model,
		"message_count", len(messages),
		"tool_count", len(requestTools))

	allTools, err := convertTools(requestTools)
	if err != nil {
		slog.Error("Failed to convert tools for Anthropic request", "error", err)
		return nil, err
	}

	converted := convertMessages(messages)
	if len(converted) == 0 {
		return nil, errors.New("no messages to send after conversion: all messages were filtered out")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		MaxTokens: cmp.Or(c.config.MaxTokens, defaultMaxTokens),
		System:    extractSystemBlocks(messages),
		Messages:  converted,
		Tools:     allTools,
	}

	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		if b, err := json.Marshal(params); err == nil {
			slog.Debug("Anthropic chat completion request", "request", string(b))
		}
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	return newStreamAdapter(stream), nil
}

// convertMessages groups each assistant step's tool results into the single
// user message that must immediately follow its tool_use blocks.
func convertMessages(messages []chat.ModelMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	pendingToolUse := false

	for i := 0; i < len(messages); i++ {
		msg := &messages[i]
		switch msg.Role {
		case chat.MessageRoleUser:
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(txt)))
			}
			pendingToolUse = false

		case chat.MessageRoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if txt := strings.TrimSpace(msg.Content); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    call.ID,
						Input: input,
						Name:  call.Function.Name,
					},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
			pendingToolUse = len(msg.ToolCalls) > 0

		case chat.MessageRoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			j := i
			for j < len(messages) && messages[j].Role == chat.MessageRoleTool {
				blocks = append(blocks, anthropic.NewToolResultBlock(messages[j].ToolCallID, strings.TrimSpace(messages[j].Content), messages[j].IsError))
				j++
			}
			// Orphan tool results are rejected by the API.
			if pendingToolUse {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
			pendingToolUse = false
			i = j - 1
		}
	}

	return out
}

func extractSystemBlocks(messages []chat.ModelMessage) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	for i := range messages {
		if messages[i].Role != chat.MessageRoleSystem {
			continue
		}
		if txt := strings.TrimSpace(messages[i].Content); txt != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: txt})
		}
	}
	return blocks
}

func convertTools(requestTools []tools.Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(requestTools))

	for _, tool := range requestTools {
		inputSchema, err := ConvertParametersToSchema(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("converting schema of tool %s: %w", tool.Name, err)
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: inputSchema,
			},
		})
	}

	return out, nil
}

// ConvertParametersToSchema converts parameters to Anthropic Schema format
func ConvertParametersToSchema(params any) (anthropic.ToolInputSchemaParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := tools.ConvertSchema(params, &schema); err != nil {
		return anthropic.ToolInputSchemaParam{}, err
	}
	return schema, nil
}
