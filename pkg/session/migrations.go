package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration is one forward-only schema change.
type Migration struct {
	ID          int
	Name        string
	Description string
	UpSQL       string
	AppliedAt   time.Time
}

// MigrationManager tracks and applies schema migrations.
type MigrationManager struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db, migrations: chatMigrations()}
}

// InitializeMigrations creates the bookkeeping table and applies every
// pending migration in order.
func (m *MigrationManager) InitializeMigrations(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			description TEXT,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for i := range m.migrations {
		migration := &m.migrations[i]

		var count int
		if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM migrations WHERE name = ?", migration.Name).Scan(&count); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", migration.Name, err)
		}
		if count > 0 {
			continue
		}

		if err := m.apply(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
		}
		slog.Debug("Applied migration", "name", migration.Name)
	}

	return nil
}

func (m *MigrationManager) apply(ctx context.Context, migration *Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	migration.AppliedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO migrations (id, name, description, applied_at) VALUES (?, ?, ?, ?)",
		migration.ID, migration.Name, migration.Description, migration.AppliedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// AppliedMigrations lists the migrations recorded in the database.
func (m *MigrationManager) AppliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT id, name, description, applied_at FROM migrations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var (
			migration Migration
			appliedAt string
		)
		if err := rows.Scan(&migration.ID, &migration.Name, &migration.Description, &appliedAt); err != nil {
			return nil, err
		}
		if migration.AppliedAt, err = time.Parse(time.RFC3339, appliedAt); err != nil {
			return nil, err
		}
		applied = append(applied, migration)
	}

	return applied, rows.Err()
}

func chatMigrations() []Migration {
	return []Migration{
		{
			ID:          1,
			Name:        "001_create_chats_table",
			Description: "Create chats table",
			UpSQL: `CREATE TABLE IF NOT EXISTS chats (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
		{
			ID:          2,
			Name:        "002_create_messages_table",
			Description: "Create messages table with one row per chat message",
			UpSQL: `CREATE TABLE IF NOT EXISTS messages (
				chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
				position INTEGER NOT NULL,
				id TEXT NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				parts TEXT NOT NULL DEFAULT '[]',
				created_at TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (chat_id, position)
			)`,
		},
		{
			ID:          3,
			Name:        "003_add_chats_user_index",
			Description: "Index chats by owner and recency",
			UpSQL:       `CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats (user_id, updated_at DESC)`,
		},
	}
}
