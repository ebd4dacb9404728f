// Package buffer implements the collector's durable FIFO (C6): every
// encoded Observation is enqueued here by the ingest loop before it is
// published, read back in id order by the Uplink Publisher, and only
// deleted once the broker has acknowledged the container it was published
// in. A sqlite
// file backs the queue so an uplink outage or a process restart never loses
// a record and never reorders one.
package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one buffered observation awaiting upload: a topic, its encoded
// payload, and bookkeeping the Uplink Publisher uses to decide retry order.
type Record struct {
	ID           int64
	Topic        string
	Payload      []byte
	CreatedAt    time.Time
	AttemptCount int
}

// Buffer wraps a sqlite-backed FIFO queue. One Buffer is shared by every
// Uplink Publisher drain cycle; its methods are safe for concurrent use
// because all of the state lives in the database, not in Go memory.
type Buffer struct {
	db *sql.DB
}

// Open creates (or reuses) the sqlite file at path, applies WAL journaling
// and synchronous=NORMAL (crash-durable without fsync-per-write latency),
// and ensures the telemetry_queue table and its indexes exist.
func Open(ctx context.Context, path string) (*Buffer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY entirely

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("buffer: set pragma %q: %w", p, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS telemetry_queue (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	topic           TEXT NOT NULL,
	payload         BLOB NOT NULL,
	created_at      INTEGER NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_telemetry_queue_attempt_id
	ON telemetry_queue(attempt_count, id);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: create schema: %w", err)
	}

	return &Buffer{db: db}, nil
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

// Enqueue appends one payload to the queue and returns its assigned id.
// Ids increase strictly, so dequeue order is never ambiguous even across
// restarts.
func (b *Buffer) Enqueue(ctx context.Context, topic string, payload []byte) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO telemetry_queue (topic, payload, created_at, attempt_count) VALUES (?, ?, ?, 0)`,
		topic, payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("buffer: enqueue: %w", err)
	}
	return res.LastInsertId()
}

// Dequeue returns up to limit records in strict ascending id order — the
// Uplink Publisher's primary drain loop, sufficient on its own to satisfy
// ack-before-delete and FIFO ordering regardless of attempt history.
func (b *Buffer) Dequeue(ctx context.Context, limit int) ([]Record, error) {
	return b.query(ctx, `SELECT id, topic, payload, created_at, attempt_count
		FROM telemetry_queue ORDER BY id ASC LIMIT ?`, limit)
}

// FreshPending returns records that have never been attempted, oldest
// first. Supplemental to Dequeue: lets a caller prioritize records that
// have never failed over ones already retried.
func (b *Buffer) FreshPending(ctx context.Context, limit int) ([]Record, error) {
	return b.query(ctx, `SELECT id, topic, payload, created_at, attempt_count
		FROM telemetry_queue WHERE attempt_count = 0 ORDER BY id ASC LIMIT ?`, limit)
}

// OldestPending returns records that have already failed at least once,
// ordered by attempt count then id — least-retried-first, mirroring the
// original reference's fresh-then-retry upload order.
func (b *Buffer) OldestPending(ctx context.Context, limit int) ([]Record, error) {
	return b.query(ctx, `SELECT id, topic, payload, created_at, attempt_count
		FROM telemetry_queue WHERE attempt_count > 0 ORDER BY attempt_count ASC, id ASC LIMIT ?`, limit)
}

func (b *Buffer) query(ctx context.Context, q string, limit int) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("buffer: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var createdAtMs int64
		if err := rows.Scan(&r.ID, &r.Topic, &r.Payload, &createdAtMs, &r.AttemptCount); err != nil {
			return nil, fmt.Errorf("buffer: scan: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAtMs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes the given ids after the caller has confirmed the broker
// acknowledged them. Never call this before the ack arrives: deleting
// first and failing to publish would silently lose the record.
func (b *Buffer) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("buffer: delete: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM telemetry_queue WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("buffer: delete: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("buffer: delete: id %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// IncrementAttemptCount marks the given ids as having failed one more
// publish attempt, without removing them from the queue.
func (b *Buffer) IncrementAttemptCount(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("buffer: increment attempt count: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE telemetry_queue SET attempt_count = attempt_count + 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("buffer: increment attempt count: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("buffer: increment attempt count: id %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Size reports how many records are currently queued, the gauge backing
// buffer_size.
func (b *Buffer) Size(ctx context.Context) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_queue`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("buffer: size: %w", err)
	}
	return n, nil
}
