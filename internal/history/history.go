// Package history persists one journal row per finished consultation call.
// It is an optional sidecar: when no DSN is configured the session runs
// without it.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// Outcome records how a call ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeLeft         Outcome = "left"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeFailed       Outcome = "failed"
)

// CallRecord is one finished call attempt.
type CallRecord struct {
	ID              string    `db:"id"`
	RoomID          string    `db:"room_id"`
	PeerID          string    `db:"peer_id"`
	RemotePeerID    string    `db:"remote_peer_id"`
	RemoteName      string    `db:"remote_name"`
	StartedAt       time.Time `db:"started_at"`
	DurationSeconds int       `db:"duration_seconds"`
	Outcome         Outcome   `db:"outcome"`
}

const schema = `
CREATE TABLE IF NOT EXISTS consultation_calls (
	id               UUID PRIMARY KEY,
	room_id          TEXT NOT NULL,
	peer_id          TEXT NOT NULL,
	remote_peer_id   TEXT NOT NULL DEFAULT '',
	remote_name      TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	outcome          TEXT NOT NULL,
	recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_consultation_calls_room ON consultation_calls(room_id);
CREATE INDEX IF NOT EXISTS idx_consultation_calls_peer ON consultation_calls(peer_id);
`

// Store writes call records to PostgreSQL.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure history schema: %w", err)
	}

	return &Store{db: db, logger: logger.Named("history")}, nil
}

// Record inserts one call record. The session calls this on every terminal
// transition; a failure is logged by the caller, never fatal to cleanup.
func (s *Store) Record(ctx context.Context, rec CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	const q = `
		INSERT INTO consultation_calls
			(id, room_id, peer_id, remote_peer_id, remote_name, started_at, duration_seconds, outcome)
		VALUES
			(:id, :room_id, :peer_id, :remote_peer_id, :remote_name, :started_at, :duration_seconds, :outcome)`

	if _, err := s.db.NamedExecContext(ctx, q, rec); err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}

	s.logger.Info("call recorded",
		zap.String("room", rec.RoomID),
		zap.Int("duration_seconds", rec.DurationSeconds),
		zap.String("outcome", string(rec.Outcome)))
	return nil
}

// Recent returns the latest records for a room, newest first.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]CallRecord, error) {
	const q = `
		SELECT id, room_id, peer_id, remote_peer_id, remote_name, started_at, duration_seconds, outcome
		FROM consultation_calls
		WHERE room_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	var out []CallRecord
	if err := s.db.SelectContext(ctx, &out, q, roomID, limit); err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
