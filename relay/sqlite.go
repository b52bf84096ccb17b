package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/isdmx/sandboxd/orchestrator"
)

// SQLiteOutbox is an Outbox persisted in a SQLite database, so deferred
// results survive a restart.
type SQLiteOutbox struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteOutbox opens (creating if needed) the outbox database at path.
func OpenSQLiteOutbox(ctx context.Context, path string) (*SQLiteOutbox, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create outbox directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		PRAGMA busy_timeout = 5000;
		CREATE TABLE IF NOT EXISTS deferred_results (
			ticket_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			stored_at_unix_ms INTEGER NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_deferred_results_stored ON deferred_results(stored_at_unix_ms);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise outbox schema: %w", err)
	}

	return &SQLiteOutbox{db: db, now: time.Now}, nil
}

func (o *SQLiteOutbox) Put(ctx context.Context, res orchestrator.ExecutionResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", res.TicketID, err)
	}
	now := o.now().UnixMilli()

	_, err = o.db.ExecContext(ctx, `
		INSERT INTO deferred_results (
			ticket_id,
			session_id,
			payload_json,
			attempts,
			stored_at_unix_ms,
			updated_at_unix_ms
		) VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			attempts = deferred_results.attempts + 1,
			updated_at_unix_ms = excluded.updated_at_unix_ms
	`,
		res.TicketID,
		res.SessionID,
		string(payload),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert deferred result %s: %w", res.TicketID, err)
	}
	return nil
}

func (o *SQLiteOutbox) Pending(ctx context.Context) ([]orchestrator.ExecutionResult, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT ticket_id, payload_json
		FROM deferred_results
		ORDER BY stored_at_unix_ms, ticket_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query deferred results: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.ExecutionResult
	for rows.Next() {
		var ticketID, payload string
		if err := rows.Scan(&ticketID, &payload); err != nil {
			return nil, fmt.Errorf("scan deferred result: %w", err)
		}
		var res orchestrator.ExecutionResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			return nil, fmt.Errorf("decode deferred result %s: %w", ticketID, err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deferred results: %w", err)
	}
	return out, nil
}

// Attempts returns how many times delivery of ticketID was deferred.
func (o *SQLiteOutbox) Attempts(ctx context.Context, ticketID string) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT attempts FROM deferred_results WHERE ticket_id = ?`, ticketID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query attempts for %s: %w", ticketID, err)
	}
	return n, nil
}

func (o *SQLiteOutbox) Remove(ctx context.Context, ticketID string) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM deferred_results WHERE ticket_id = ?`, ticketID); err != nil {
		return fmt.Errorf("delete deferred result %s: %w", ticketID, err)
	}
	return nil
}

func (o *SQLiteOutbox) Len(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deferred_results`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count deferred results: %w", err)
	}
	return n, nil
}

func (o *SQLiteOutbox) Close() error {
	return o.db.Close()
}
