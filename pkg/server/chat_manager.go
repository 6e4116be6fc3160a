package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/concurrent"
	"github.com/pubwiki/wikidesigner/pkg/runtime"
	"github.com/pubwiki/wikidesigner/pkg/session"
	mcptools "github.com/pubwiki/wikidesigner/pkg/tools/mcp"
)

var (
	ErrUserRequired     = errors.New("user id is required")
	ErrMessagesRequired = errors.New("messages are required")
)

// Runner answers one turn. *runtime.Runtime implements it.
type Runner interface {
	RunStream(ctx context.Context, turn runtime.Turn) <-chan runtime.Event
}

// ToolsRequest is what the tool namespace of a turn is built from.
type ToolsRequest struct {
	ChatID  string
	Servers []mcptools.ServerConfig
	Headers map[string]string
}

// ToolsFactory connects the tool sources of one turn.
type ToolsFactory func(ctx context.Context, req ToolsRequest) runtime.ToolSource

// activeTurn is a turn in flight.
type activeTurn struct {
	cancel context.CancelFunc
}

// ChatManager runs chats and keeps track of the turns in flight.
type ChatManager struct {
	store  session.Store
	runner Runner
	tools  ToolsFactory

	running *concurrent.Map[string, *activeTurn]
	now     func() time.Time
}

func NewChatManager(store session.Store, runner Runner, tools ToolsFactory) *ChatManager {
	return &ChatManager{
		store:   store,
		runner:  runner,
		tools:   tools,
		running: concurrent.NewMap[string, *activeTurn](),
		now:     time.Now,
	}
}

// RunChat starts a turn and returns the chat id and the turn's events. A chat
// that does not exist yet for the user is created with a title taken from the
// first user message.
func (cm *ChatManager) RunChat(ctx context.Context, req ChatRequest) (string, <-chan runtime.Event, error) {
	if req.UserID == "" {
		return "", nil, ErrUserRequired
	}
	if len(req.Messages) == 0 {
		return "", nil, ErrMessagesRequired
	}

	chatID := cmp.Or(req.ChatID, uuid.NewString())
	msgs := cm.normalize(req.Messages)

	if err := cm.ensureChat(ctx, chatID, req.UserID, msgs); err != nil {
		return "", nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	turn := &activeTurn{cancel: cancel}
	if previous, ok := cm.running.LoadAndDelete(chatID); ok {
		slog.Debug("Cancelling previous turn of chat", "chat_id", chatID)
		previous.cancel()
	}
	cm.running.Store(chatID, turn)

	var toolSource runtime.ToolSource
	if cm.tools != nil {
		toolSource = cm.tools(ctx, ToolsRequest{
			ChatID:  chatID,
			Servers: req.MCPServers,
			Headers: req.AppendHeaders,
		})
	}

	slog.Debug("Running chat", "chat_id", chatID, "model", req.SelectedModel, "messages", len(msgs))
	events := cm.runner.RunStream(ctx, runtime.Turn{
		ChatID:      chatID,
		UserID:      req.UserID,
		Model:       req.SelectedModel,
		Messages:    msgs,
		Tools:       toolSource,
		OnToolEvent: logToolEvent(chatID),
	})

	out := make(chan runtime.Event)
	go func() {
		defer close(out)
		defer cm.release(chatID, turn)
		for ev := range events {
			out <- ev
		}
	}()

	return chatID, out, nil
}

// ensureChat saves the chat when the user has no chat with that id yet.
func (cm *ChatManager) ensureChat(ctx context.Context, chatID, userID string, msgs []chat.Message) error {
	_, err := cm.store.GetChat(ctx, chatID, userID)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, session.ErrNotFound):
		return fmt.Errorf("loading chat: %w", err)
	}

	title := chat.Title(msgs)
	if err := cm.store.SaveChat(ctx, &session.Chat{ID: chatID, UserID: userID, Title: title}); err != nil {
		return fmt.Errorf("creating chat: %w", err)
	}
	slog.Debug("Created chat", "chat_id", chatID, "title", title)
	return nil
}

// normalize gives every message an id and a creation time.
func (cm *ChatManager) normalize(msgs []chat.Message) []chat.Message {
	now := cm.now().UTC()
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		m = m.Clone()
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		out[i] = m
	}
	return out
}

func (cm *ChatManager) release(chatID string, turn *activeTurn) {
	turn.cancel()
	cm.running.DeleteIf(chatID, func(current *activeTurn) bool {
		return current == turn
	})
}

// Running reports whether a turn of the chat is in flight.
func (cm *ChatManager) Running(chatID string) bool {
	_, ok := cm.running.Load(chatID)
	return ok
}

func (cm *ChatManager) GetChat(ctx context.Context, chatID, userID string) (*session.Chat, error) {
	return cm.store.GetChat(ctx, chatID, userID)
}

func (cm *ChatManager) ListChats(ctx context.Context, userID string) ([]session.Summary, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	return cm.store.ListChats(ctx, userID)
}

// DeleteChat deletes the chat and aborts its turn in flight, if any.
func (cm *ChatManager) DeleteChat(ctx context.Context, chatID, userID string) error {
	if userID == "" {
		return ErrUserRequired
	}
	if err := cm.store.DeleteChat(ctx, chatID, userID); err != nil {
		return err
	}
	if turn, ok := cm.running.LoadAndDelete(chatID); ok {
		turn.cancel()
	}
	return nil
}

func logToolEvent(chatID string) func(runtime.Event) {
	return func(ev runtime.Event) {
		switch e := ev.(type) {
		case *runtime.ToolCallEvent:
			slog.Debug("Tool call started", "chat_id", chatID, "tool", e.ToolCall.Function.Name, "call_id", e.ToolCall.ID)
		case *runtime.ToolCallResponseEvent:
			slog.Debug("Tool call finished", "chat_id", chatID, "tool", e.ToolCall.Function.Name, "call_id", e.ToolCall.ID, "is_error", e.IsError)
		}
	}
}
