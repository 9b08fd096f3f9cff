// Package history persists monitor and recovery events in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cclog "github.com/mmuteeullah/CoreCam/internal/log"

	_ "modernc.org/sqlite" // pure Go driver
)

// Event kinds recorded by the application.
const (
	KindMonitorReload   = "monitor_reload"
	KindMonitorRecovery = "monitor_media_recovery"
	KindEscalation      = "monitor_escalation"
	KindStreamRestart   = "stream_restart"
	KindRecovery        = "recovery"
	KindRecorder        = "recorder"
)

// Event is one row of the history.
type Event struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Camera  string    `json:"camera"`
	Kind    string    `json:"kind"`
	Reason  string    `json:"reason,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Success bool      `json:"success"`
}

// Store provides SQLite persistence for events.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	// asyncWG tracks RecordAsync writes.
	asyncWG sync.WaitGroup
}

// Open opens or creates the database at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open failed: %w", err)
	}
	// One writer; an in-memory database only exists on its own connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping failed: %w", err)
	}
	s := &Store{db: db, logger: cclog.WithComponent("history")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

// Close waits for pending async writes and closes the database.
func (s *Store) Close() error {
	s.asyncWG.Wait()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		camera TEXT NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	CREATE INDEX IF NOT EXISTS idx_events_camera_at ON events(camera, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores an event. A zero At is set to now.
func (s *Store) Record(ctx context.Context, e Event) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (at, camera, kind, reason, detail, success) VALUES (?, ?, ?, ?, ?, ?)`,
		e.At.UnixMilli(), e.Camera, e.Kind, e.Reason, e.Detail, e.Success)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return res.LastInsertId()
}

// RecordAsync stores an event without blocking the caller. Failures are
// logged.
func (s *Store) RecordAsync(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.asyncWG.Add(1)
	go func() {
		defer s.asyncWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.Record(ctx, e); err != nil {
			s.logger.Warn().Err(err).Str(cclog.FieldCamera, e.Camera).Str("kind", e.Kind).Msg("failed to record event")
		}
	}()
}

// Recent returns up to limit events, newest first. An empty camera selects
// every camera.
func (s *Store) Recent(ctx context.Context, limit int, camera string) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, at, camera, kind, reason, detail, success FROM events`
	args := []any{}
	if camera != "" {
		query += ` WHERE camera = ?`
		args = append(args, camera)
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []Event{}
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Camera, &e.Kind, &e.Reason, &e.Detail, &e.Success); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// Run prunes events older than keep once a day until ctx is cancelled.
func (s *Store) Run(ctx context.Context, keep time.Duration) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := s.Prune(ctx, time.Now().Add(-keep))
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			s.logger.Warn().Err(err).Msg("history prune failed")
		case n > 0:
			s.logger.Info().Int64("removed", n).Msg("pruned history")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
