package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mpataki/crew/internal/models"
)

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func New(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; metadata updates are short.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (id, agent)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		id TEXT NOT NULL,
		author TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		refs TEXT NOT NULL DEFAULT '{}',
		UNIQUE(conversation_id, id)
	);

	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		text TEXT NOT NULL,
		source_correction_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_lessons_agent ON lessons(agent_name, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// messageRefs holds the addressing fields stored as one JSON column.
type messageRefs struct {
	Mentions   []string           `json:"mentions,omitempty"`
	ReplyTo    string             `json:"reply_to,omitempty"`
	ThreadRoot string             `json:"thread_root,omitempty"`
	Kind       models.MessageKind `json:"kind,omitempty"`
}

func (s *SQLite) Get(ctx context.Context, ref models.Ref) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent, created_at, updated_at, metadata FROM conversations WHERE id = ? AND agent = ?`,
		ref.ID, ref.Agent,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.ID)
	}
	if err != nil {
		return nil, err
	}

	conv.Messages, err = s.messages(ctx, ref.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLite) messages(ctx context.Context, id string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, content, created_at, refs FROM messages WHERE conversation_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		var msg models.Message
		var refsJSON string
		if err := rows.Scan(&msg.ID, &msg.Author, &msg.Content, &msg.CreatedAt, &refsJSON); err != nil {
			return nil, err
		}
		var refs messageRefs
		if err := json.Unmarshal([]byte(refsJSON), &refs); err == nil {
			msg.Mentions = refs.Mentions
			msg.ReplyTo = refs.ReplyTo
			msg.ThreadRoot = refs.ThreadRoot
			msg.Kind = refs.Kind
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func (s *SQLite) AppendMessage(ctx context.Context, id string, msg *models.Message) error {
	refs, err := json.Marshal(messageRefs{
		Mentions:   msg.Mentions,
		ReplyTo:    msg.ReplyTo,
		ThreadRoot: msg.ThreadRoot,
		Kind:       msg.Kind,
	})
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	if err := ensureConversation(ctx, tx, models.SharedRef(id), now); err != nil {
		return err
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, id, author, content, created_at, refs) VALUES (?, ?, ?, ?, ?, ?)`,
		id, msg.ID, msg.Author, msg.Content, createdAt, string(refs),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND agent = ''`, now, id,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLite) UpdateMetadata(ctx context.Context, ref models.Ref, fn MetadataFunc) (models.Metadata, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Metadata{}, err
	}
	defer tx.Rollback()

	now := s.now()
	if err := ensureConversation(ctx, tx, ref, now); err != nil {
		return models.Metadata{}, err
	}

	var raw string
	if err := tx.QueryRowContext(ctx,
		`SELECT metadata FROM conversations WHERE id = ? AND agent = ?`, ref.ID, ref.Agent,
	).Scan(&raw); err != nil {
		return models.Metadata{}, err
	}

	var md models.Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return models.Metadata{}, fmt.Errorf("decode metadata for %s: %w", ref.ID, err)
	}

	if err := fn(&md); err != nil {
		return models.Metadata{}, err
	}

	data, err := json.Marshal(md)
	if err != nil {
		return models.Metadata{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ? AND agent = ?`,
		string(data), now, ref.ID, ref.Agent,
	); err != nil {
		return models.Metadata{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Metadata{}, err
	}
	return md, nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent, created_at, updated_at, metadata
		 FROM conversations WHERE agent = '' ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLite) Lessons(ctx context.Context, agent string) ([]models.Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_name, text, source_correction_id, created_at
		 FROM lessons WHERE agent_name = ? ORDER BY created_at`, agent,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lessons []models.Lesson
	for rows.Next() {
		var l models.Lesson
		if err := rows.Scan(&l.ID, &l.AgentName, &l.Text, &l.SourceCorrectionID, &l.CreatedAt); err != nil {
			return nil, err
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

func (s *SQLite) Publish(ctx context.Context, lesson models.Lesson) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lessons (id, agent_name, text, source_correction_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		lesson.ID, lesson.AgentName, lesson.Text, lesson.SourceCorrectionID, lesson.CreatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var conv models.Conversation
	var raw string
	if err := row.Scan(&conv.ID, &conv.Agent, &conv.CreatedAt, &conv.UpdatedAt, &raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &conv.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", conv.ID, err)
	}
	return &conv, nil
}

func ensureConversation(ctx context.Context, tx *sql.Tx, ref models.Ref, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations (id, agent, created_at, updated_at, metadata) VALUES (?, ?, ?, ?, ?)`,
		ref.ID, ref.Agent, now, now, `{"phase":"chat"}`,
	)
	return err
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
