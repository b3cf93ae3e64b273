package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// TurnLog persists appended session turns to SQLite (WAL mode). It is an
// append-only side log: the in-memory Store stays the source of truth and
// the log exists for offline inspection and replay after a restart.
type TurnLog struct {
	db   *sql.DB
	path string
}

// NewTurnLog opens (or creates) the turn log database at dbPath.
func NewTurnLog(dbPath string) (*TurnLog, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("turn log db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	tl := &TurnLog{db: db, path: dbPath}
	if err := tl.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return tl, nil
}

func (tl *TurnLog) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls   TEXT NOT NULL DEFAULT '[]',
		truncated    INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);
	`
	_, err := tl.db.Exec(schema)
	return err
}

// Append writes one or more turns for a session in a single transaction.
func (tl *TurnLog) Append(sessionID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := tl.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO turns (session_id, role, content, tool_call_id, tool_calls, truncated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, msg := range msgs {
		toolCallsJSON := "[]"
		if len(msg.ToolCalls) > 0 {
			data, marshalErr := json.Marshal(msg.ToolCalls)
			if marshalErr == nil {
				toolCallsJSON = string(data)
			}
		}
		truncated := 0
		if msg.Truncated {
			truncated = 1
		}
		if _, err := stmt.Exec(sessionID, msg.Role, msg.Content, msg.ToolCallID,
			toolCallsJSON, truncated, now); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Load returns all logged turns for a session in append order.
func (tl *TurnLog) Load(sessionID string) ([]Message, error) {
	rows, err := tl.db.Query(`
		SELECT role, content, tool_call_id, tool_calls, truncated
		FROM turns WHERE session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var msg Message
		var toolCallsJSON string
		var truncated int
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.ToolCallID,
			&toolCallsJSON, &truncated); err != nil {
			continue
		}
		if toolCallsJSON != "" && toolCallsJSON != "[]" {
			var calls []ToolCall
			if err := json.Unmarshal([]byte(toolCallsJSON), &calls); err == nil {
				msg.ToolCalls = calls
			}
		}
		msg.Truncated = truncated != 0
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Close closes the database.
func (tl *TurnLog) Close() error {
	if tl.db == nil {
		return nil
	}
	return tl.db.Close()
}
