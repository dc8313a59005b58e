package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/duochat/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS participants (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	email        TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	conversation_key TEXT NOT NULL,
	sender_id        TEXT NOT NULL,
	receiver_id      TEXT NOT NULL,
	body             TEXT NOT NULL,
	status           TEXT NOT NULL,
	idempotency_key  TEXT UNIQUE,
	created_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_key, created_at, seq);
`

// Migrate applies the schema. It is safe to run on an existing database.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db    *sql.DB
	clock *clock
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema without touching disk.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, clock: newClock(time.Now)}
	if err := s.seedClock(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// seedClock makes timestamps keep increasing across restarts.
func (s *SQLiteStore) seedClock() error {
	var last sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(created_at) FROM messages`).Scan(&last)
	if err != nil {
		// Setup functions may create a partial schema in tests.
		if strings.Contains(err.Error(), "no such table") {
			return nil
		}
		return fmt.Errorf("seed clock: %w", err)
	}
	if last.Valid {
		s.clock.observe(last.Int64)
	}
	return nil
}

// clock hands out strictly increasing timestamps.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func newClock(now func() time.Time) *clock {
	return &clock{now: now}
}

func (c *clock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixNano()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

func (c *clock) observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.last {
		c.last = ts
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// ==== MessageStore implementation ====

const messageColumns = `id, conversation_key, sender_id, receiver_id, body, status, COALESCE(idempotency_key, ''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var msg store.Message
	var status string
	var createdAt int64
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationKey,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Body,
		&status,
		&msg.IdempotencyKey,
		&createdAt,
	); err != nil {
		return nil, err
	}
	st, err := store.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	msg.Status = st
	msg.CreatedAt = fromNanos(createdAt)
	return &msg, nil
}

// CreateMessage persists a message, assigning its ID and creation time.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *store.Message) (bool, error) {
	if !msg.Status.Valid() {
		return false, fmt.Errorf("insert message: invalid status %q", msg.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	if msg.IdempotencyKey != "" {
		existing, lookupErr := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE idempotency_key = ?`, msg.IdempotencyKey))
		switch {
		case lookupErr == nil:
			*msg = *existing
			return false, nil
		case !errors.Is(lookupErr, sql.ErrNoRows):
			return false, fmt.Errorf("lookup idempotency key: %w", lookupErr)
		}
	}

	var idem sql.NullString
	if msg.IdempotencyKey != "" {
		idem = sql.NullString{String: msg.IdempotencyKey, Valid: true}
	}

	id := uuid.NewString()
	createdAt := s.clock.next()

	query := `
		INSERT INTO messages (id, conversation_key, sender_id, receiver_id, body, status, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query,
		id, msg.ConversationKey, msg.SenderID, msg.ReceiverID, msg.Body, string(msg.Status), idem, createdAt,
	); err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit message: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = fromNanos(createdAt)
	return true, nil
}

// GetMessage retrieves a message of a conversation by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationKey, id string) (*store.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_key = ? AND id = ?`, conversationKey, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, store.ErrMessageNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// UpdateStatus advances a single message to status.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, conversationKey, id string, status store.Status) error {
	prev, err := transitionFrom(status)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ? WHERE conversation_key = ? AND id = ? AND status = ?`,
		string(status), conversationKey, id, string(prev))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return rejectedUpdate(ctx, s.db, conversationKey, id, status)
	}
	return nil
}

// transitionFrom returns the status a message must hold to move to status.
func transitionFrom(status store.Status) (store.Status, error) {
	if !status.Valid() {
		return "", fmt.Errorf("update status: invalid status %q", status)
	}
	prev, ok := status.Previous()
	if !ok {
		return "", fmt.Errorf("update status to %s: %w", status, store.ErrInvalidTransition)
	}
	return prev, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rejectedUpdate explains why an update matched no row.
func rejectedUpdate(ctx context.Context, q rowQuerier, conversationKey, id string, status store.Status) error {
	var current string
	err := q.QueryRowContext(ctx,
		`SELECT status FROM messages WHERE conversation_key = ? AND id = ?`, conversationKey, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("message %s: %w", id, store.ErrMessageNotFound)
	case err != nil:
		return fmt.Errorf("query status: %w", err)
	default:
		return fmt.Errorf("message %s %s -> %s: %w", id, current, status, store.ErrInvalidTransition)
	}
}

// BatchUpdateStatus advances every id in one transaction.
func (s *SQLiteStore) BatchUpdateStatus(ctx context.Context, conversationKey string, ids []string, status store.Status) error {
	prev, err := transitionFrom(status)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET status = ? WHERE conversation_key = ? AND id = ? AND status = ?`)
	if err != nil {
		return fmt.Errorf("prepare batch update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		result, err := stmt.ExecContext(ctx, string(status), conversationKey, id, string(prev))
		if err != nil {
			return fmt.Errorf("batch update %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("batch update: %w", rejectedUpdate(ctx, tx, conversationKey, id, status))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch update: %w", err)
	}
	return nil
}

// ListMessages returns the whole conversation in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationKey string) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_key = ? ORDER BY created_at ASC, seq ASC`,
		conversationKey)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*store.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// ==== ParticipantStore implementation ====

// UpsertParticipant creates a profile or updates its name and email.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, p *store.Participant) error {
	now := time.Now().UnixNano()
	query := `
		INSERT INTO participants (id, display_name, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			email        = excluded.email,
			updated_at   = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.DisplayName, p.Email, now, now); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}

	saved, err := s.GetParticipant(ctx, p.ID)
	if err != nil {
		return err
	}
	*p = *saved
	return nil
}

// GetParticipant retrieves a profile by ID.
func (s *SQLiteStore) GetParticipant(ctx context.Context, id string) (*store.Participant, error) {
	query := `
		SELECT id, display_name, email, created_at, updated_at
		FROM participants
		WHERE id = ?
	`
	p, err := scanParticipant(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("participant %s: %w", id, store.ErrParticipantNotFound)
		}
		return nil, fmt.Errorf("query participant: %w", err)
	}
	return p, nil
}

// ListParticipants lists every profile except excludeID.
func (s *SQLiteStore) ListParticipants(ctx context.Context, excludeID string) ([]*store.Participant, error) {
	query := `
		SELECT id, display_name, email, created_at, updated_at
		FROM participants
		WHERE id != ?
		ORDER BY display_name COLLATE NOCASE ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, excludeID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	participants := make([]*store.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

func scanParticipant(row rowScanner) (*store.Participant, error) {
	var p store.Participant
	var createdAt, updatedAt int64
	if err := row.Scan(&p.ID, &p.DisplayName, &p.Email, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}
