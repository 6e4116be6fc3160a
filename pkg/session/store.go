package session

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/concurrent"
)

var (
	ErrEmptyID  = errors.New("chat ID cannot be empty")
	ErrNotFound = errors.New("chat not found")
	// ErrOwnerMismatch is returned when saving over a chat owned by another user.
	ErrOwnerMismatch = errors.New("chat belongs to another user")
)

// Chat is a persisted conversation.
type Chat struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Title     string         `json:"title"`
	Messages  []chat.Message `json:"messages"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Summary is the chat metadata returned when listing, without messages.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists chats. Lookups are scoped to the owning user; a chat owned
// by someone else is reported as ErrNotFound.
type Store interface {
	// SaveChat creates the chat or refreshes its metadata. An empty Title
	// keeps the stored one. Messages are ignored, use SaveMessages.
	SaveChat(ctx context.Context, c *Chat) error
	// SaveMessages replaces the messages of an existing chat.
	SaveMessages(ctx context.Context, chatID string, msgs []chat.Message) error
	GetChat(ctx context.Context, id, userID string) (*Chat, error)
	// ListChats returns the user's chats, most recently updated first.
	ListChats(ctx context.Context, userID string) ([]Summary, error)
	DeleteChat(ctx context.Context, id, userID string) error
}

type InMemoryStore struct {
	chats *concurrent.Map[string, *Chat]
	now   func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats: concurrent.NewMap[string, *Chat](),
		now:   time.Now,
	}
}

func (s *InMemoryStore) SaveChat(_ context.Context, c *Chat) error {
	if c.ID == "" {
		return ErrEmptyID
	}

	now := s.now()
	var err error
	s.chats.Update(c.ID, func(current *Chat, exists bool) *Chat {
		if !exists {
			return &Chat{
				ID:        c.ID,
				UserID:    c.UserID,
				Title:     c.Title,
				CreatedAt: cmp.Or(c.CreatedAt, now),
				UpdatedAt: now,
			}
		}
		if current.UserID != c.UserID {
			err = ErrOwnerMismatch
			return current
		}
		updated := *current
		updated.Title = cmp.Or(c.Title, current.Title)
		updated.UpdatedAt = now
		return &updated
	})
	return err
}

func (s *InMemoryStore) SaveMessages(_ context.Context, chatID string, msgs []chat.Message) error {
	if chatID == "" {
		return ErrEmptyID
	}

	now := s.now()
	if !s.chats.UpdateIfPresent(chatID, func(current *Chat) *Chat {
		updated := *current
		updated.Messages = cloneMessages(msgs)
		updated.UpdatedAt = now
		return &updated
	}) {
		return ErrNotFound
	}
	return nil
}

func (s *InMemoryStore) GetChat(_ context.Context, id, userID string) (*Chat, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	c, ok := s.chats.Load(id)
	if !ok || c.UserID != userID {
		return nil, ErrNotFound
	}

	out := *c
	out.Messages = cloneMessages(c.Messages)
	return &out, nil
}

func (s *InMemoryStore) ListChats(_ context.Context, userID string) ([]Summary, error) {
	var summaries []Summary
	s.chats.Range(func(_ string, c *Chat) bool {
		if c.UserID == userID {
			summaries = append(summaries, Summary{
				ID:        c.ID,
				Title:     c.Title,
				CreatedAt: c.CreatedAt,
				UpdatedAt: c.UpdatedAt,
			})
		}
		return true
	})

	slices.SortFunc(summaries, func(a, b Summary) int {
		return cmp.Or(b.UpdatedAt.Compare(a.UpdatedAt), cmp.Compare(a.ID, b.ID))
	})
	return summaries, nil
}

func (s *InMemoryStore) DeleteChat(_ context.Context, id, userID string) error {
	if id == "" {
		return ErrEmptyID
	}

	if !s.chats.DeleteIf(id, func(c *Chat) bool { return c.UserID == userID }) {
		return ErrNotFound
	}
	return nil
}

func cloneMessages(msgs []chat.Message) []chat.Message {
	if msgs == nil {
		return nil
	}
	out := make([]chat.Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}
