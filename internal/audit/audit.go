// Package audit records every tool invocation. By default arguments are
// reduced to a SHA-256 hash so the log can be kept and shipped without
// leaking prompt or tool payload contents; a scope that sets its audit_log
// flag opts in to recording the raw argument payload alongside the hash.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/agentdeck/chat-gateway/internal/config"
	"github.com/agentdeck/chat-gateway/internal/jsonval"
)

// Entry is one tool invocation record. Args is only populated when the
// resolved tool scope enables its audit_log flag.
type Entry struct {
	Time      time.Time       `json:"time"`
	SessionID string          `json:"session_id"`
	ServerID  string          `json:"server_id"`
	Tool      string          `json:"tool"`
	ArgsHash  string          `json:"args_hash"`
	Args      json.RawMessage `json:"args,omitempty"`
	Duration  int64           `json:"duration_ms"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
}

// HashArgs reduces tool arguments to a hex SHA-256 over their canonical JSON
// encoding, so equal arguments always hash equal regardless of key order.
func HashArgs(args jsonval.Value) string {
	sum := sha256.Sum256(args.Encode())
	return hex.EncodeToString(sum[:])
}

// Log is the capped in-memory audit log with optional JSONL and sqlite
// sinks. The ring keeps the newest entries; sinks keep everything.
type Log struct {
	mu       sync.Mutex
	entries  []Entry // ring storage
	next     int
	full     bool
	capacity int

	jsonlPath string
	db        *sql.DB
}

// Option configures a Log.
type Option func(*Log) error

// WithCapacity overrides the in-memory retention.
func WithCapacity(n int) Option {
	return func(l *Log) error {
		if n <= 0 {
			return fmt.Errorf("audit capacity must be positive, got %d", n)
		}
		l.capacity = n
		l.entries = make([]Entry, n)
		return nil
	}
}

// WithJSONLSink appends every entry to a JSONL file.
func WithJSONLSink(path string) Option {
	return func(l *Log) error {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return err
		}
		l.jsonlPath = path
		return nil
	}
}

// WithSQLiteSink appends every entry to a sqlite database.
func WithSQLiteSink(dbPath string) Option {
	return func(l *Log) error {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return err
		}
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(p); err != nil {
				_ = db.Close()
				return fmt.Errorf("exec %q: %w", p, err)
			}
		}
		schema := `
		CREATE TABLE IF NOT EXISTS audit (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			time        TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			server_id   TEXT NOT NULL,
			tool        TEXT NOT NULL,
			args_hash   TEXT NOT NULL,
			args        TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			success     INTEGER NOT NULL,
			error       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_session ON audit(session_id, id);
		`
		if _, err := db.Exec(schema); err != nil {
			_ = db.Close()
			return fmt.Errorf("ensure audit schema: %w", err)
		}
		l.db = db
		return nil
	}
}

// NewLog creates an audit log with the default in-memory retention.
func NewLog(opts ...Option) (*Log, error) {
	l := &Log{
		capacity: config.DefaultAuditRetention,
		entries:  make([]Entry, config.DefaultAuditRetention),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Record appends one entry. Oldest in-memory entries are evicted past
// capacity; sink failures are logged, never surfaced to the tool caller.
func (l *Log) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	l.mu.Lock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % l.capacity
	if l.next == 0 {
		l.full = true
	}
	jsonlPath, db := l.jsonlPath, l.db
	l.mu.Unlock()

	if jsonlPath != "" {
		if err := appendJSONL(jsonlPath, e); err != nil {
			log.Error().Err(err).Str("path", jsonlPath).Msg("audit: failed to write jsonl entry")
		}
	}
	if db != nil {
		success := 0
		if e.Success {
			success = 1
		}
		_, err := db.Exec(`
			INSERT INTO audit (time, session_id, server_id, tool, args_hash, args, duration_ms, success, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Time.UTC().Format(time.RFC3339Nano), e.SessionID, e.ServerID, e.Tool,
			e.ArgsHash, string(e.Args), e.Duration, success, e.Error)
		if err != nil {
			log.Error().Err(err).Msg("audit: failed to write sqlite entry")
		}
	}
}

// Entries returns the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]Entry, l.next)
		copy(out, l.entries[:l.next])
		return out
	}
	out := make([]Entry, 0, l.capacity)
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return l.capacity
	}
	return l.next
}

// Close closes the sqlite sink if one is attached.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}
