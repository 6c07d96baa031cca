package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// Schema for the estimates table. Applied by Open and New.
const Schema = `
CREATE TABLE IF NOT EXISTS estimates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	state INTEGER NOT NULL,
	weight_bytes INTEGER NOT NULL,
	co2_grams REAL NOT NULL,
	resources INTEGER NOT NULL,
	published_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_estimates_at ON estimates(published_at);
CREATE INDEX IF NOT EXISTS idx_estimates_session ON estimates(session_id);
`

const (
	queueSize    = 256
	defaultLimit = 100
	maxLimit     = 1000
)

// Query filters List. Zero fields do not filter.
type Query struct {
	SessionID string
	Since     time.Time
	Limit     int
}

// Store is safe for concurrent use.
type Store struct {
	db        *sql.DB
	retention time.Duration
	queue     chan types.Update
	now       func() time.Time // injectable for deterministic tests
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, retention time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	s, err := New(db, retention)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema. A retention of 0 keeps
// rows forever.
func New(db *sql.DB, retention time.Duration) (*Store, error) {
	// One connection: SQLite serialises writers anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{
		db:        db,
		retention: retention,
		queue:     make(chan types.Update, queueSize),
		now:       time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Publish queues u for Run to write. It never blocks; when the queue is full
// the update is dropped.
func (s *Store) Publish(u types.Update) {
	select {
	case s.queue <- u:
	default:
		slog.Warn("history: queue full, dropping update", "session", u.SessionID, "phase", u.Phase)
	}
}

// Record writes u immediately.
func (s *Store) Record(ctx context.Context, u types.Update) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO estimates (session_id, phase, state, weight_bytes, co2_grams, resources, published_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.SessionID, string(u.Phase), int(u.State), u.Estimate.WeightBytes, u.Estimate.CO2Grams,
		u.Resources, u.At.UnixNano())
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// List returns matching updates, newest first. Limit defaults to 100 and is
// capped at 1000.
func (s *Store) List(ctx context.Context, q Query) ([]types.Update, error) {
	var (
		where []string
		args  []any
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if !q.Since.IsZero() {
		where = append(where, "published_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT session_id, phase, state, weight_bytes, co2_grams, resources, published_at FROM estimates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY published_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	out := make([]types.Update, 0)
	for rows.Next() {
		var (
			u     types.Update
			phase string
			state int
			at    int64
		)
		if err := rows.Scan(&u.SessionID, &phase, &state, &u.Estimate.WeightBytes, &u.Estimate.CO2Grams, &u.Resources, &at); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		u.Phase = types.Phase(phase)
		u.State = types.State(state)
		u.At = time.Unix(0, at).UTC()
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	return out, nil
}

// Evict deletes rows published at or before now minus the retention window
// and returns how many were removed.
func (s *Store) Evict(ctx context.Context, now time.Time) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM estimates WHERE published_at <= ?`, now.Add(-s.retention).UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history: evict: %w", err)
	}
	return res.RowsAffected()
}

// Run writes queued updates and evicts expired rows until ctx is cancelled,
// then flushes what is still queued. Eviction ticks at half the retention
// window, at least once a minute apart.
func (s *Store) Run(ctx context.Context) {
	interval := s.retention / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case u := <-s.queue:
			if err := s.Record(context.WithoutCancel(ctx), u); err != nil {
				slog.Error("history: write failed", "session", u.SessionID, "err", err)
			}
		case <-t.C:
			n, err := s.Evict(ctx, s.now())
			if err != nil {
				slog.Error("history: eviction failed", "err", err)
			} else if n > 0 {
				slog.Debug("history: evicted old estimates", "count", n)
			}
		}
	}
}

func (s *Store) drain() {
	for {
		select {
		case u := <-s.queue:
			if err := s.Record(context.Background(), u); err != nil {
				slog.Error("history: write failed", "session", u.SessionID, "err", err)
			}
		default:
			return
		}
	}
}
