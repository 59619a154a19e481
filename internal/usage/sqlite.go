package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id            TEXT NOT NULL,
	key_id                TEXT NOT NULL,
	account_id            TEXT NOT NULL,
	model                 TEXT NOT NULL,
	persona               TEXT NOT NULL,
	stream                INTEGER NOT NULL DEFAULT 0,
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd              REAL NOT NULL DEFAULT 0,
	created_at            TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_created_at ON usage_events(created_at);
CREATE INDEX IF NOT EXISTS idx_usage_events_key_id ON usage_events(key_id);
`

// Recorder persists token-accounting events to SQLite.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite single-writer

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init usage schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record inserts one event.
func (r *Recorder) Record(ctx context.Context, e *Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_events
			(request_id, key_id, account_id, model, persona, stream,
			 input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			 cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.KeyID, e.AccountID, e.Model, e.Persona, boolInt(e.Stream),
		e.InputTokens, e.OutputTokens, e.CacheReadTokens, e.CacheCreationTokens,
		e.CostUSD, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// PurgeBefore deletes events older than the cutoff and returns the count.
func (r *Recorder) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM usage_events WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge usage events: %w", err)
	}
	return res.RowsAffected()
}

// Pump drains bus events into the recorder until ctx is canceled.
func (r *Recorder) Pump(ctx context.Context, bus *Bus) {
	id, ch, _ := bus.Subscribe()
	defer bus.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Record(ctx, &e); err != nil {
				slog.Error("record usage event failed", "requestId", e.RequestID, "error", err)
			}
		}
	}
}

// RunRetention purges old events on the configured interval.
func (r *Recorder) RunRetention(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.PurgeBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				slog.Error("usage retention purge failed", "error", err)
			} else if n > 0 {
				slog.Info("purged old usage events", "count", n)
			}
		}
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
