package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LogEntry is one row of the persisted system log, drained asynchronously
// by internal/applog from in-memory log records.
type LogEntry struct {
	ID        int64
	Timestamp time.Time
	Level     string
	Module    string
	Message   string
}

// InsertLogBatch appends a batch of log entries in a single transaction.
// Called by the log-drain worker, never on the request path directly.
func InsertLogBatch(db *sql.DB, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin log batch insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO system_logs (timestamp, level, module, message) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare log batch insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(formatTime(e.Timestamp.UTC()), e.Level, e.Module, e.Message); err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
	}
	return tx.Commit()
}

// ListLogs returns the most recent log entries, newest first.
func ListLogs(db *sql.DB, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT id, timestamp, level, module, message FROM system_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Module, &e.Message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		parsed, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse log timestamp: %w", err)
		}
		e.Timestamp = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeLogsOlderThan deletes log rows older than the retention cutoff,
// returning the number of rows removed.
func PurgeLogsOlderThan(db *sql.DB, retention time.Duration) (int64, error) {
	cutoff := formatTime(nowUTC().Add(-retention))
	res, err := db.Exec(`DELETE FROM system_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge old logs: %w", err)
	}
	return res.RowsAffected()
}
