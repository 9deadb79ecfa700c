// Package audit appends moderation actions to a SQLite table so operators can
// review what the bot did. Rows are never read back into the running ledger.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type Action string

const (
	ActionWarning Action = "warning"
	ActionDelete  Action = "delete"
	ActionTimeout Action = "timeout"
	ActionReset   Action = "reset"
)

type Entry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Action    Action    `json:"action"`
	AuthorID  string    `json:"authorId"`
	ChannelID string    `json:"channelId,omitempty"`
	Rule      string    `json:"rule,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	Count     int       `json:"count"`
	Detail    string    `json:"detail,omitempty"`
}

type ListParams struct {
	AuthorID string
	Action   Action
	Limit    int
}

// Store is the SQLite-backed audit trail.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu      sync.Mutex
	entropy *rand.Rand
}

func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  logger.Named("audit"),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return s, nil
}

func (s *Store) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS moderation_actions (
		id         TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		action     TEXT NOT NULL,
		author_id  TEXT NOT NULL,
		channel_id TEXT,
		rule       TEXT,
		severity   TEXT,
		count      INTEGER NOT NULL DEFAULT 0,
		detail     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_actions_author ON moderation_actions(author_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_actions_created ON moderation_actions(created_at DESC);
	`)
	return err
}

// Append stores e, filling in ID and CreatedAt when empty.
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Action == "" || e.AuthorID == "" {
		return Entry{}, fmt.Errorf("append audit entry: action and author are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.ID == "" {
		e.ID = s.newID(e.CreatedAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moderation_actions (id, created_at, action, author_id, channel_id, rule, severity, count, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt.Format(time.RFC3339Nano), string(e.Action), e.AuthorID,
		e.ChannelID, e.Rule, e.Severity, e.Count, e.Detail)
	if err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	s.logger.Debug("audit entry stored", zap.String("id", e.ID), zap.String("action", string(e.Action)))
	return e, nil
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, p ListParams) ([]Entry, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	var where []string
	var args []any
	if p.AuthorID != "" {
		where = append(where, "author_id = ?")
		args = append(args, p.AuthorID)
	}
	if p.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(p.Action))
	}
	query := `SELECT id, created_at, action, author_id, channel_id, rule, severity, count, detail
		FROM moderation_actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created, action string
		var channel, rule, severity, detail sql.NullString
		if err := rows.Scan(&e.ID, &created, &action, &e.AuthorID, &channel, &rule, &severity, &e.Count, &detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		e.Action = Action(action)
		e.ChannelID = channel.String
		e.Rule = rule.String
		e.Severity = severity.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
