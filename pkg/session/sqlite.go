package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pubwiki/wikidesigner/pkg/chat"
	"github.com/pubwiki/wikidesigner/pkg/sqliteutil"
)

// Fixed-width UTC timestamps so that ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the chat database at path. A database that cannot be
// migrated is moved aside to path.bak and replaced by a fresh one.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := openAndMigrate(ctx, path)
	if err == nil {
		return store, nil
	}

	slog.Warn("Failed to open chat store, attempting recovery", "path", path, "error", err)
	if backupErr := backupDatabase(path); backupErr != nil {
		slog.Error("Failed to backup database for recovery", "error", backupErr)
		return nil, fmt.Errorf("migration failed: %w (backup also failed: %v)", err, backupErr)
	}

	store, err = openAndMigrate(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("migration failed even after database reset: %w", err)
	}

	slog.Info("Recovered chat store with a fresh database", "path", path)
	return store, nil
}

func openAndMigrate(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqliteutil.OpenDB(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := NewMigrationManager(db).InitializeMigrations(ctx); err != nil {
		db.Close()
		if sqliteutil.IsCantOpenError(err) {
			return nil, sqliteutil.DiagnoseDBOpenError(path, err)
		}
		return nil, err
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// backupDatabase moves the database and its WAL artifacts to a .bak copy.
func backupDatabase(path string) error {
	if path == sqliteutil.MemoryPath {
		return nil
	}

	backupPath := path + ".bak"
	slog.Info("Backing up database", "from", path, "to", backupPath)

	if err := os.Rename(path, backupPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to move database file: %w", err)
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, backupPath+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to move database artifact", "file", path+suffix, "error", err)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveChat(ctx context.Context, c *Chat) error {
	if c.ID == "" {
		return ErrEmptyID
	}

	now := s.now().UTC()
	createdAt := now
	if !c.CreatedAt.IsZero() {
		createdAt = c.CreatedAt.UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx, "SELECT user_id FROM chats WHERE id = ?", c.ID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chats (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			c.ID, c.UserID, c.Title, createdAt.Format(timeLayout), now.Format(timeLayout)); err != nil {
			return fmt.Errorf("inserting chat %s: %w", c.ID, err)
		}
	case err != nil:
		return err
	case owner != c.UserID:
		return ErrOwnerMismatch
	default:
		if _, err := tx.ExecContext(ctx,
			"UPDATE chats SET title = CASE WHEN ? = '' THEN title ELSE ? END, updated_at = ? WHERE id = ?",
			c.Title, c.Title, now.Format(timeLayout), c.ID); err != nil {
			return fmt.Errorf("updating chat %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) SaveMessages(ctx context.Context, chatID string, msgs []chat.Message) error {
	if chatID == "" {
		return ErrEmptyID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", s.now().UTC().Format(timeLayout), chatID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO messages (chat_id, position, id, role, content, parts, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range msgs {
		msg := &msgs[i]
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("encoding parts of message %s: %w", msg.ID, err)
		}
		var createdAt string
		if !msg.CreatedAt.IsZero() {
			createdAt = msg.CreatedAt.UTC().Format(timeLayout)
		}
		if _, err := stmt.ExecContext(ctx, chatID, i, msg.ID, string(msg.Role), msg.Content, string(parts), createdAt); err != nil {
			return fmt.Errorf("inserting message %d of chat %s: %w", i, chatID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetChat(ctx context.Context, id, userID string) (*Chat, error) {
	if id == "" {
		return nil, ErrEmptyID
	}

	c := &Chat{ID: id}
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, title, created_at, updated_at FROM chats WHERE id = ? AND user_id = ?", id, userID).
		Scan(&c.UserID, &c.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}

	c.Messages, err = s.loadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) loadMessages(ctx context.Context, chatID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, parts, created_at FROM messages WHERE chat_id = ? ORDER BY position", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var (
			msg             chat.Message
			role, parts, ts string
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &parts, &ts); err != nil {
			return nil, err
		}
		msg.Role = chat.MessageRole(role)
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("decoding parts of message %s: %w", msg.ID, err)
		}
		if ts != "" {
			if msg.CreatedAt, err = time.Parse(timeLayout, ts); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, msg)
	}

	return msgs, rows.Err()
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID string) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC, id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var (
			summary              Summary
			createdAt, updatedAt string
		)
		if err := rows.Scan(&summary.ID, &summary.Title, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if summary.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, err
		}
		if summary.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}

	return summaries, rows.Err()
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, id, userID string) error {
	if id == "" {
		return ErrEmptyID
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
