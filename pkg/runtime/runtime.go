package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/history"
	"github.com/pubwiki/wikidesigner/pkg/model/provider"
	"github.com/pubwiki/wikidesigner/pkg/session"
	"github.com/pubwiki/wikidesigner/pkg/telemetry"
	"github.com/pubwiki/wikidesigner/pkg/tools"
)

const (
	DefaultMaxSteps = 50

	rateLimitMessage    = "Rate limit exceeded. Please try again later."
	genericErrorMessage = "An error occurred."
)

// ProviderResolver maps the model name a client selected to a provider.
// An empty name selects the default model.
type ProviderResolver interface {
	Resolve(name string) (provider.Provider, error)
}

// ToolSource is the tool namespace of one turn.
type ToolSource interface {
	Tools() []tools.Tool
	Lookup(name string) (tools.Tool, bool)
	// Cleanup releases the connections behind the tools. It is called exactly
	// once per turn.
	Cleanup(ctx context.Context)
}

// Turn is one user message to answer.
type Turn struct {
	ChatID string
	UserID string
	// Model is the client's model selection, empty for the default.
	Model string
	// Messages is the whole conversation, ending with the new user message.
	Messages []chat.Message
	Tools    ToolSource
	// OnToolEvent, when set, receives every ToolCall and ToolCallResponse event.
	// It runs on its own goroutine and must not assume it sees every event if
	// it is slow.
	OnToolEvent func(Event)
}

// Runtime answers turns by streaming a model and running the tools it calls.
type Runtime struct {
	providers        ProviderResolver
	store            session.Store
	tracer           trace.Tracer
	executor         *toolExecutor
	systemPrompt     string
	maxSteps         int
	historyThreshold int
	retries          int
	now              func() time.Time
}

type Opt func(*Runtime)

func WithSystemPrompt(prompt string) Opt {
	return func(r *Runtime) {
		r.systemPrompt = prompt
	}
}

// WithMaxSteps bounds the model calls of one turn.
func WithMaxSteps(steps int) Opt {
	return func(r *Runtime) {
		if steps > 0 {
			r.maxSteps = steps
		}
	}
}

func WithHistoryThreshold(threshold int) Opt {
	return func(r *Runtime) {
		if threshold > 0 {
			r.historyThreshold = threshold
		}
	}
}

func WithRetries(retries int) Opt {
	return func(r *Runtime) {
		r.retries = max(retries, 0)
	}
}

func WithTracer(tracer trace.Tracer) Opt {
	return func(r *Runtime) {
		r.tracer = tracer
	}
}

// New creates a runtime. store may be nil, in which case nothing is persisted.
func New(providers ProviderResolver, store session.Store, opts ...Opt) *Runtime {
	r := &Runtime{
		providers:        providers,
		store:            store,
		tracer:           telemetry.Tracer(),
		maxSteps:         DefaultMaxSteps,
		historyThreshold: history.DefaultThreshold,
		retries:          DefaultRetries,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.executor = newToolExecutor(r.tracer)
	return r
}

// RunStream answers turn and returns its events. The channel is closed when
// the turn is over. Cancelling ctx aborts the turn: its tool clients are
// released right away and nothing is persisted.
func (r *Runtime) RunStream(ctx context.Context, turn Turn) <-chan Event {
	events := make(chan Event, 128)

	go func() {
		defer close(events)
		r.runTurn(ctx, turn, events)
	}()

	return events
}

type turnRun struct {
	turn       Turn
	events     chan<- Event
	dispatcher *toolEventDispatcher
}

func (t *turnRun) emit(ctx context.Context, ev Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *turnRun) emitToolEvent(ctx context.Context, ev Event) {
	t.emit(ctx, ev)
	t.dispatcher.Dispatch(ev)
}

func (r *Runtime) runTurn(ctx context.Context, turn Turn, events chan<- Event) {
	ctx, span := r.tracer.Start(ctx, "runtime.turn", trace.WithAttributes(
		attribute.String("chat.id", turn.ChatID),
		attribute.String("model", turn.Model),
		attribute.Int("history.messages", len(turn.Messages)),
	))
	defer span.End()

	run := &turnRun{
		turn:       turn,
		events:     events,
		dispatcher: newToolEventDispatcher(turn.OnToolEvent),
	}
	defer run.dispatcher.Close()

	// Tool clients are released by whichever comes first: an abort of ctx or
	// the end of the turn. stopAbort reports whether the abort path was
	// prevented from running, in which case the finish path owns cleanup.
	stopAbort := context.AfterFunc(ctx, func() {
		slog.Debug("Turn aborted, releasing tool clients", "chat_id", turn.ChatID)
		r.cleanup(ctx, turn)
	})
	defer func() {
		if stopAbort() {
			r.cleanup(ctx, turn)
		}
	}()

	p, err := r.providers.Resolve(turn.Model)
	if err != nil {
		slog.Error("Failed to resolve model", "chat_id", turn.ChatID, "model", turn.Model, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown model")
		run.emit(ctx, Error(genericErrorMessage))
		run.emit(ctx, StreamStopped(turn.ChatID))
		return
	}
	span.SetAttributes(attribute.String("model.id", p.ID()))

	assistant := chat.Message{
		ID:        uuid.NewString(),
		Role:      chat.MessageRoleAssistant,
		CreatedAt: r.now().UTC(),
	}
	run.emit(ctx, StreamStarted(turn.ChatID, assistant.ID))

	var toolDefs []tools.Tool
	if turn.Tools != nil {
		toolDefs = turn.Tools.Tools()
	}

	slog.Debug("Starting turn", "chat_id", turn.ChatID, "model", p.ID(), "messages", len(turn.Messages), "tools", len(toolDefs))
	err = r.loop(ctx, p, run, r.modelMessages(turn.Messages), toolDefs, &assistant)

	if ctx.Err() != nil {
		slog.Debug("Turn canceled", "chat_id", turn.ChatID)
		span.SetStatus(codes.Error, "turn canceled")
		return
	}
	if err != nil {
		slog.Error("Turn failed", "chat_id", turn.ChatID, "model", p.ID(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		run.emit(ctx, Error(errorMessage(err)))
	} else {
		span.SetStatus(codes.Ok, "turn completed")
	}

	r.persist(ctx, turn, assistant)
	run.emit(ctx, StreamStopped(turn.ChatID))
}

func (r *Runtime) cleanup(ctx context.Context, turn Turn) {
	if turn.Tools == nil {
		return
	}
	turn.Tools.Cleanup(context.WithoutCancel(ctx))
}

func errorMessage(err error) string {
	if provider.IsRateLimit(err) {
		return rateLimitMessage
	}
	return genericErrorMessage
}

// modelMessages is the governed history as sent to the model, behind the
// system prompt.
func (r *Runtime) modelMessages(msgs []chat.Message) []chat.ModelMessage {
	governed := history.Govern(msgs, r.historyThreshold)

	system := "Today's date is " + r.now().UTC().Format(time.DateOnly) + "."
	if prompt := strings.TrimSpace(r.systemPrompt); prompt != "" {
		system = prompt + "\n\n" + system
	}

	return append([]chat.ModelMessage{{Role: chat.MessageRoleSystem, Content: system}}, chat.Transcript(governed)...)
}

// loop runs model steps until the model stops calling tools or the step
// budget is spent. Text and tool results are recorded on assistant.
func (r *Runtime) loop(
	ctx context.Context,
	p provider.Provider,
	run *turnRun,
	messages []chat.ModelMessage,
	toolDefs []tools.Tool,
	assistant *chat.Message,
) error {
	chatID := run.turn.ChatID

	for step := range r.maxSteps {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := r.streamStep(ctx, p, run, messages, toolDefs)
		if err != nil {
			return err
		}

		if res.content != "" {
			assistant.Parts = append(assistant.Parts, chat.TextPart(res.content))
		}
		if len(res.calls) == 0 {
			slog.Debug("Turn finished", "chat_id", chatID, "steps", step+1, "finish_reason", res.finishReason)
			return nil
		}

		messages = append(messages, chat.ModelMessage{
			Role:      chat.MessageRoleAssistant,
			Content:   res.content,
			ToolCalls: res.calls,
		})

		// Calls run one at a time, in the order the model emitted them.
		for _, call := range res.calls {
			if err := ctx.Err(); err != nil {
				return err
			}

			invocation := chat.ToolInvocation{
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
				Args:       argsJSON(call.Function.Arguments),
				State:      chat.ToolStateCall,
			}
			run.emitToolEvent(ctx, ToolCall(call))

			result := r.executor.Execute(ctx, run.turn.Tools, chatID, call)
			run.emitToolEvent(ctx, ToolCallResponse(call, result))

			if err := invocation.Advance(chat.ToolStateResult, chat.NewToolResult(result.Output, result.IsError)); err != nil {
				return err
			}
			assistant.Parts = append(assistant.Parts, chat.ToolInvocationPart(invocation))

			messages = append(messages, chat.ModelMessage{
				Role:       chat.MessageRoleTool,
				Content:    result.Output,
				ToolCallID: call.ID,
				IsError:    result.IsError,
			})
		}
	}

	slog.Warn("Maximum steps reached", "chat_id", chatID, "max_steps", r.maxSteps)
	run.emit(ctx, MaxIterationsReached(r.maxSteps))
	return nil
}

type stepResult struct {
	content      string
	calls        []tools.ToolCall
	finishReason chat.FinishReason
}

// streamStep runs one model call. A call that fails before anything reached
// the client is retried for transient errors.
func (r *Runtime) streamStep(
	ctx context.Context,
	p provider.Provider,
	run *turnRun,
	messages []chat.ModelMessage,
	toolDefs []tools.Tool,
) (stepResult, error) {
	for attempt := 0; ; attempt++ {
		res, emitted, err := r.consumeStream(ctx, p, run, messages, toolDefs)
		if err == nil || emitted || attempt >= r.retries || !isRetryableModelError(err) {
			return res, err
		}

		backoff := calculateBackoff(attempt)
		slog.Warn("Retryable error streaming completion", "model", p.ID(), "attempt", attempt+1, "backoff", backoff, "error", err)
		if !sleepWithContext(ctx, backoff) {
			return stepResult{}, ctx.Err()
		}
	}
}

// consumeStream reads one completion stream to the end, forwarding text and
// new tool calls as they arrive. emitted reports whether any event was sent.
func (r *Runtime) consumeStream(
	ctx context.Context,
	p provider.Provider,
	run *turnRun,
	messages []chat.ModelMessage,
	toolDefs []tools.Tool,
) (res stepResult, emitted bool, err error) {
	stream, err := p.CreateChatCompletionStream(ctx, messages, toolDefs)
	if err != nil {
		return stepResult{}, false, err
	}
	defer stream.Close()

	var content strings.Builder
	// Deltas of one call share an index; calls keep the order they started in.
	calls := orderedmap.New[int, *tools.ToolCall]()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stepResult{}, emitted, err
		}

		if resp.Content != "" {
			content.WriteString(resp.Content)
			run.emit(ctx, TextDelta(resp.Content))
			emitted = true
		}

		for _, delta := range resp.ToolCalls {
			call, ok := calls.Get(delta.Index)
			if !ok {
				call = &tools.ToolCall{Type: tools.ToolTypeFunction}
				calls.Set(delta.Index, call)
			}
			if delta.ID != "" && call.ID == "" {
				call.ID = delta.ID
			}
			if delta.Name != "" && call.Function.Name == "" {
				call.Function.Name = delta.Name
				if call.ID == "" {
					call.ID = "call_" + uuid.NewString()
				}
				run.emit(ctx, PartialToolCall(*call))
				emitted = true
			}
			call.Function.Arguments += delta.Arguments
		}

		if resp.FinishReason != "" {
			res.finishReason = resp.FinishReason
		}
	}

	res.content = content.String()
	for pair := calls.Oldest(); pair != nil; pair = pair.Next() {
		call := *pair.Value
		if call.Function.Name == "" {
			slog.Warn("Dropping tool call without a name", "model", p.ID(), "index", pair.Key)
			continue
		}
		if strings.TrimSpace(call.Function.Arguments) == "" {
			call.Function.Arguments = "{}"
		}
		res.calls = append(res.calls, call)
	}

	return res, emitted, nil
}

// argsJSON keeps valid argument JSON as is and stores anything else as a
// JSON string, so the persisted part always marshals.
func argsJSON(arguments string) json.RawMessage {
	if json.Valid([]byte(arguments)) {
		return json.RawMessage(arguments)
	}
	buf, _ := json.Marshal(arguments)
	return buf
}

// persist saves the conversation with the assistant's answer appended.
// Failures are logged and never reach the client.
func (r *Runtime) persist(ctx context.Context, turn Turn, assistant chat.Message) {
	if r.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	msgs := slices.Clone(turn.Messages)
	if len(assistant.Parts) > 0 {
		assistant.Content = assistant.Text()
		msgs = append(msgs, assistant)
	}

	if err := r.store.SaveChat(ctx, &session.Chat{ID: turn.ChatID, UserID: turn.UserID}); err != nil {
		slog.Error("Failed to save chat", "chat_id", turn.ChatID, "error", err)
		return
	}
	if err := r.store.SaveMessages(ctx, turn.ChatID, msgs); err != nil {
		slog.Error("Failed to save messages", "chat_id", turn.ChatID, "error", err)
		return
	}
	slog.Debug("Persisted turn", "chat_id", turn.ChatID, "messages", len(msgs))
}
