package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/chat-gateway/internal/jsonval"
)

func TestHashArgsCanonical(t *testing.T) {
	a, err := jsonval.Decode([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := jsonval.Decode([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, HashArgs(a), HashArgs(b), "key order must not change the hash")
	assert.Len(t, HashArgs(a), 64)

	c, err := jsonval.Decode([]byte(`{"a":1,"b":3}`))
	require.NoError(t, err)
	assert.NotEqual(t, HashArgs(a), HashArgs(c))
}

func TestRecordAndEntries(t *testing.T) {
	l, err := NewLog()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	l.Record(Entry{SessionID: "s1", ServerID: "files", Tool: "files.read", Success: true})
	l.Record(Entry{SessionID: "s1", ServerID: "files", Tool: "files.write", Success: false, Error: "denied"})

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "files.read", entries[0].Tool)
	assert.Equal(t, "files.write", entries[1].Tool)
	assert.False(t, entries[0].Time.IsZero(), "time is stamped when unset")
}

func TestCapacityEvictsOldest(t *testing.T) {
	l, err := NewLog(WithCapacity(3))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	for i := 0; i < 5; i++ {
		l.Record(Entry{Tool: fmt.Sprintf("tool-%d", i)})
	}

	entries := l.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "tool-2", entries[0].Tool)
	assert.Equal(t, "tool-4", entries[2].Tool)
	assert.Equal(t, 3, l.Len())
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewLog(WithJSONLSink(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	l.Record(Entry{SessionID: "s1", Tool: "a"})
	l.Record(Entry{SessionID: "s2", Tool: "b"})

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "s1", lines[0].SessionID)
	assert.Equal(t, "b", lines[1].Tool)
}

func TestSQLiteSink(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	l, err := NewLog(WithSQLiteSink(dbPath))
	require.NoError(t, err)

	l.Record(Entry{SessionID: "s1", ServerID: "files", Tool: "files.read", Success: true})
	require.NoError(t, l.Close())

	// Reopen and count rows through a fresh log handle.
	l2, err := NewLog(WithSQLiteSink(dbPath))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2.Close() })

	var count int
	require.NoError(t, l2.db.QueryRow("SELECT COUNT(*) FROM audit").Scan(&count))
	assert.Equal(t, 1, count)
}
