// Package chatlog keeps a durable record of answered exchanges in SQLite.
package chatlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var ErrPathRequired = errors.New("chatlog: database path required")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS exchanges (
	id         TEXT PRIMARY KEY,
	sender     TEXT NOT NULL,
	question   TEXT NOT NULL,
	answer     TEXT NOT NULL,
	intent     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_created_at ON exchanges(created_at);
`

// Exchange is one inbound message and the reply sent for it.
type Exchange struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Intent    string    `json:"intent"`
	CreatedAt time.Time `json:"created_at"`
}

type Log struct {
	db   *sql.DB
	path string
}

// Open opens or creates the log database at path.
func Open(path string) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrPathRequired
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("chatlog: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chatlog: open: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("chatlog: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("chatlog: init schema: %w", err)
	}
	log.Info().Str("path", path).Msg("chatlog.Open")
	return &Log{db: db, path: path}, nil
}

// Record stores e, assigning an id and timestamp when missing.
func (l *Log) Record(ctx context.Context, e Exchange) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, sender, question, answer, intent, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Sender, e.Question, e.Answer, e.Intent, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("chatlog: record: %w", err)
	}
	return nil
}

// Recent returns up to limit exchanges, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, sender, question, answer, intent, created_at FROM exchanges ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("chatlog: query recent: %w", err)
	}
	defer rows.Close()

	out := make([]Exchange, 0, limit)
	for rows.Next() {
		var e Exchange
		var createdMS int64
		if err := rows.Scan(&e.ID, &e.Sender, &e.Question, &e.Answer, &e.Intent, &createdMS); err != nil {
			return nil, fmt.Errorf("chatlog: scan: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Log) Close() error {
	return l.db.Close()
}
