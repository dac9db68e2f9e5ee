// Package calllog records every MCP tool execution in SQLite. Records
// are append-only and indexed by timestamp, server and tool for
// aggregation queries.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// tsFormat is fixed width so stored timestamps sort lexically.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one tool execution.
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	Server     string    `json:"server"`
	Tool       string    `json:"tool"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Summary holds aggregated call totals.
type Summary struct {
	TotalCalls      int     `json:"total_calls"`
	Failures        int     `json:"failures"`
	TotalDurationMs int64   `json:"total_duration_ms"`
	AvgDurationMs   float64 `json:"avg_duration_ms"`
}

// Store is an append-only SQLite store for call records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a call log at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open call log database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate call log schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		server      TEXT NOT NULL,
		tool        TEXT NOT NULL,
		success     INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_server ON tool_calls(server);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(server, tool);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call record. If rec.ID is empty, a UUIDv7 is
// generated so ids sort by time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, timestamp, server, tool, success, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(tsFormat),
		rec.Server,
		rec.Tool,
		rec.Success,
		rec.DurationMs,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for calls within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(1 - success), 0), COALESCE(SUM(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(tsFormat),
		end.UTC().Format(tsFormat),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalCalls, &sum.Failures, &sum.TotalDurationMs); err != nil {
		return nil, fmt.Errorf("query call summary: %w", err)
	}
	sum.fillAverage()
	return &sum, nil
}

// SummaryByServer returns per-server totals for calls within [start, end).
func (s *Store) SummaryByServer(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "server", start, end)
}

// SummaryByTool returns per-tool totals for calls within [start, end),
// keyed by "server/tool".
func (s *Store) SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "server || '/' || tool", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, expr string, start, end time.Time) (map[string]*Summary, error) {
	// expr is always a constant from this package, never user input.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(1 - success), 0), COALESCE(SUM(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		expr, expr,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(tsFormat),
		end.UTC().Format(tsFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query calls by %s: %w", expr, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalCalls, &sum.Failures, &sum.TotalDurationMs); err != nil {
			return nil, fmt.Errorf("scan calls by %s: %w", expr, err)
		}
		sum.fillAverage()
		result[key] = &sum
	}
	return result, rows.Err()
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, server, tool, success, duration_ms, COALESCE(error, '')
		 FROM tool_calls
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.ID, &ts, &rec.Server, &rec.Tool, &rec.Success, &rec.DurationMs, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan recent call: %w", err)
		}
		rec.Timestamp, err = time.Parse(tsFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse call timestamp %q: %w", ts, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (sum *Summary) fillAverage() {
	if sum.TotalCalls > 0 {
		sum.AvgDurationMs = float64(sum.TotalDurationMs) / float64(sum.TotalCalls)
	}
}
