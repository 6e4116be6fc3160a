package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pubwiki/wikidesigner/pkg/tools"
)

const schemaCacheTTL = 30 * time.Minute

type toolExecutor struct {
	tracer trace.Tracer
	// schemas holds compiled input schemas keyed by their JSON text, so the same
	// remote tool is compiled once across turns.
	schemas *cache.Cache
}

func newToolExecutor(tracer trace.Tracer) *toolExecutor {
	return &toolExecutor{
		tracer:  tracer,
		schemas: cache.New(schemaCacheTTL, 2*schemaCacheTTL),
	}
}

// Execute runs one tool call. Failures of any kind become error results; it
// never returns a Go error to the loop.
func (e *toolExecutor) Execute(ctx context.Context, source ToolSource, chatID string, toolCall tools.ToolCall) *tools.ToolCallResult {
	ctx, span := e.tracer.Start(ctx, "runtime.tool.call", trace.WithAttributes(
		attribute.String("tool.name", toolCall.Function.Name),
		attribute.String("tool.call_id", toolCall.ID),
		attribute.String("chat.id", chatID),
	))
	defer span.End()

	name := toolCall.Function.Name
	slog.Debug("Processing tool call", "tool", name, "chat_id", chatID)

	var (
		tool tools.Tool
		ok   bool
	)
	if source != nil {
		tool, ok = source.Lookup(name)
	}
	if !ok || tool.Handler == nil {
		slog.Warn("Tool call rejected: unknown tool", "tool", name, "chat_id", chatID)
		span.SetStatus(codes.Error, "tool not found")
		return tools.ResultError(fmt.Sprintf("Tool '%s' is not available.", name))
	}

	if err := e.validate(tool, toolCall.Function.Arguments); err != nil {
		slog.Debug("Tool call rejected: invalid arguments", "tool", name, "error", err)
		span.SetStatus(codes.Error, "invalid arguments")
		return tools.ResultError(fmt.Sprintf("Invalid arguments for tool '%s': %v", name, err))
	}

	start := time.Now()
	res, err := tool.Handler(ctx, toolCall)
	span.SetAttributes(attribute.Int64("tool.duration_ms", time.Since(start).Milliseconds()))

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)):
		slog.Debug("Tool handler canceled by context", "tool", name, "chat_id", chatID)
		span.SetStatus(codes.Ok, "tool handler canceled")
		return tools.ResultError("The tool call was canceled.")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool handler error")
		slog.Error("Error calling tool", "tool", name, "chat_id", chatID, "error", err)
		return tools.ResultError(fmt.Sprintf("Error calling tool: %v", err))
	case res == nil:
		res = tools.ResultSuccess("")
	}

	if res.IsError {
		span.SetStatus(codes.Error, "tool returned an error result")
	} else {
		span.SetStatus(codes.Ok, "tool handler completed")
	}
	slog.Debug("Tool call completed", "tool", name, "output_length", len(res.Output), "is_error", res.IsError)
	return res
}

// validate checks raw arguments against the tool's input schema. Top-level
// nulls are ignored since optional arguments are often sent as null.
func (e *toolExecutor) validate(tool tools.Tool, arguments string) error {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return errors.New("arguments must be a JSON object")
	}
	if args == nil {
		args = map[string]any{}
	}
	for k, v := range args {
		if v == nil {
			delete(args, k)
		}
	}

	schema, err := e.schemaFor(tool)
	if err != nil {
		// Tools whose schema cannot be compiled run unvalidated.
		slog.Warn("Skipping argument validation", "tool", tool.Name, "error", err)
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

func (e *toolExecutor) schemaFor(tool tools.Tool) (*gojsonschema.Schema, error) {
	m, err := tools.SchemaToMap(tool.Parameters)
	if err != nil {
		return nil, err
	}
	// Draft versions gojsonschema does not know are rejected outright.
	delete(m, "$schema")

	buf, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	key := string(buf)

	if cached, ok := e.schemas.Get(key); ok {
		return cached.(*gojsonschema.Schema), nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(buf))
	if err != nil {
		return nil, fmt.Errorf("compiling input schema: %w", err)
	}
	e.schemas.SetDefault(key, schema)
	return schema, nil
}
