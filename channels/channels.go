// Package channels implements the Channel pub/sub manager: a globally
// ordered message log that subscribers tail by polling for rows newer than
// the last timestamp they saw. No per-subscriber state is kept on disk, so
// a late subscriber starts from "now" by default.
package channels

import (
	"context"
	"errors"
	"time"

	sqlite "modernc.org/sqlite"

	"beaverdb/internal/clock"
	"beaverdb/internal/errs"
	"beaverdb/substrate"
)

// sqlitePrimaryErrMask isolates the primary result code from an extended
// SQLite error code; sqliteConstraint is SQLITE_CONSTRAINT.
const (
	sqlitePrimaryErrMask = 0xFF
	sqliteConstraint     = 19
)

// Channel is one named pub/sub topic, backed by the shared
// beaver_pubsub_log table (there is one table for every channel; a Channel
// handle just scopes reads/writes to its own channel_name).
type Channel struct {
	db   *substrate.DB
	name string
}

// New builds a handle for the channel named name.
func New(db *substrate.DB, name string) (*Channel, error) {
	if name == "" {
		return nil, errs.ErrInvalidArgument
	}
	return &Channel{db: db, name: name}, nil
}

// Message is one published record.
type Message struct {
	Timestamp float64
	Data      any
}

// Publish inserts data into the channel's log with a fresh timestamp,
// retrying with a microsecond nudge on a rare same-microsecond collision
// against the global pub/sub log's timestamp primary key.
func (c *Channel) Publish(ctx context.Context, data any) (float64, error) {
	payload, err := substrate.MarshalJSON(data)
	if err != nil {
		return 0, err
	}
	conn, err := c.db.SQL()
	if err != nil {
		return 0, err
	}
	ts := clock.NowSeconds()
	for {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO beaver_pubsub_log (timestamp, channel_name, message_payload) VALUES (?, ?, ?)
		`, ts, c.name, payload)
		if err == nil {
			return ts, nil
		}
		if !isUniqueTimestamp(err) {
			return 0, errs.Storage("channel publish", err)
		}
		ts += 1e-6
	}
}

// isUniqueTimestamp reports whether err is a SQLITE_CONSTRAINT failure
// against the pub/sub log's global timestamp primary key, grounded on
// the driver's sqlite.Error/Code() classification.
func isUniqueTimestamp(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&sqlitePrimaryErrMask == sqliteConstraint
	}
	return false
}

// Since returns every message published after timestamp (exclusive).
func (c *Channel) Since(ctx context.Context, timestamp float64) ([]Message, error) {
	conn, err := c.db.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT timestamp, message_payload FROM beaver_pubsub_log
		WHERE channel_name = ? AND timestamp > ? ORDER BY timestamp ASC
	`, c.name, timestamp)
	if err != nil {
		return nil, errs.Storage("channel since", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var ts float64
		var payload string
		if err := rows.Scan(&ts, &payload); err != nil {
			return nil, errs.Storage("channel since scan", err)
		}
		var v any
		if err := substrate.UnmarshalJSON(payload, &v); err != nil {
			return nil, err
		}
		out = append(out, Message{Timestamp: ts, Data: v})
	}
	return out, rows.Err()
}

// Subscribe starts a background goroutine polling for new messages every
// pollInterval and delivers them on the returned channel in order. By
// default the subscription starts from "now"; pass a non-nil since to
// replay a backlog starting just after that timestamp. The channel closes
// when ctx is cancelled or the database closes.
func (c *Channel) Subscribe(ctx context.Context, pollInterval time.Duration, since *float64) (<-chan Message, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	lastSeen := clock.NowSeconds()
	if since != nil {
		lastSeen = *since
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.db.Context().Done():
				return
			case <-time.After(clock.Jitter(pollInterval, 0.1)):
			}

			msgs, err := c.Since(ctx, lastSeen)
			if err != nil {
				return
			}
			for _, m := range msgs {
				select {
				case out <- m:
					lastSeen = m.Timestamp
				case <-ctx.Done():
					return
				case <-c.db.Context().Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }
