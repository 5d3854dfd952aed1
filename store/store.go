// ABOUTME: SQLite-backed conversation store persisting messages and result fragments per project.
// ABOUTME: Provides create, recent-history, and error-deduplication queries used by the run workflow.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// timeFormat is a fixed-width UTC layout so TEXT created_at columns sort
// lexicographically in chronological order. RFC3339Nano trims trailing
// fractional zeros, which breaks that property. The trailing Z is a literal,
// so times must be in UTC before formatting.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Role is who authored a persisted message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// MessageType classifies a persisted message.
type MessageType string

const (
	TypeResult MessageType = "RESULT"
	TypeError  MessageType = "ERROR"
)

// Fragment is the artifact bundle attached to a successful result message.
type Fragment struct {
	ID         string
	MessageID  string
	SandboxURL string
	Title      string
	Files      map[string]string
}

// Message is one persisted conversation turn.
type Message struct {
	ID        string
	ProjectID string
	Role      Role
	Content   string
	Type      MessageType
	CreatedAt time.Time
	Fragment  *Fragment
}

// Store is a SQLite-backed conversation store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store database at the given path and runs
// schema migrations. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_project_created
			ON messages(project_id, created_at);

		CREATE TABLE IF NOT EXISTS fragments (
			fragment_id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL UNIQUE,
			sandbox_url TEXT NOT NULL,
			title TEXT NOT NULL,
			files TEXT NOT NULL,
			FOREIGN KEY (message_id) REFERENCES messages(message_id)
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMessage persists a message and its optional fragment in one
// transaction. IDs and CreatedAt are assigned here; the input is updated
// in place so callers see the stored values.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (message_id, project_id, role, content, type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, string(m.Role), m.Content, string(m.Type),
		m.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if m.Fragment != nil {
		if m.Fragment.ID == "" {
			m.Fragment.ID = ulid.Make().String()
		}
		m.Fragment.MessageID = m.ID

		files, err := json.Marshal(m.Fragment.Files)
		if err != nil {
			return fmt.Errorf("encode fragment files: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO fragments (fragment_id, message_id, sandbox_url, title, files)
			 VALUES (?, ?, ?, ?, ?)`,
			m.Fragment.ID, m.Fragment.MessageID, m.Fragment.SandboxURL, m.Fragment.Title, string(files),
		)
		if err != nil {
			return fmt.Errorf("insert fragment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LastMessages returns the most recent n messages for the project in
// oldest-first order, ready for direct transcript seeding.
func (s *Store) LastMessages(ctx context.Context, projectID string, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, project_id, role, content, type, created_at
		 FROM messages
		 WHERE project_id = ?
		 ORDER BY created_at DESC, message_id DESC
		 LIMIT ?`,
		projectID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var newestFirst []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ProjectID, (*string)(&m.Role), &m.Content, (*string)(&m.Type), &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to oldest-first.
	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}

// ProjectMessages returns every message for the project oldest-first, with
// fragments attached. Used by the web layer's message listing.
func (s *Store) ProjectMessages(ctx context.Context, projectID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.message_id, m.project_id, m.role, m.content, m.type, m.created_at,
		        f.fragment_id, f.sandbox_url, f.title, f.files
		 FROM messages m
		 LEFT JOIN fragments f ON f.message_id = m.message_id
		 WHERE m.project_id = ?
		 ORDER BY m.created_at ASC, m.message_id ASC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt string
		var fragID, fragURL, fragTitle, fragFiles sql.NullString
		if err := rows.Scan(&m.ID, &m.ProjectID, (*string)(&m.Role), &m.Content, (*string)(&m.Type), &createdAt,
			&fragID, &fragURL, &fragTitle, &fragFiles); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if fragID.Valid {
			frag := &Fragment{
				ID:         fragID.String,
				MessageID:  m.ID,
				SandboxURL: fragURL.String,
				Title:      fragTitle.String,
			}
			if fragFiles.Valid && fragFiles.String != "" {
				if err := json.Unmarshal([]byte(fragFiles.String), &frag.Files); err != nil {
					return nil, fmt.Errorf("decode fragment files: %w", err)
				}
			}
			m.Fragment = frag
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentErrorExists reports whether an ERROR message was persisted for the
// project within the given window. The workflow uses this as a
// de-duplication guard against double-reporting one root cause.
func (s *Store) RecentErrorExists(ctx context.Context, projectID string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeFormat)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE project_id = ? AND type = ? AND created_at >= ?`,
		projectID, string(TypeError), cutoff,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query recent errors: %w", err)
	}
	return count > 0, nil
}
