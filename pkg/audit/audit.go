// SPDX-FileCopyrightText: Copyright 2026 Authrim, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit persists security events to a relational store off the
// request path. Writes are queued and retried with exponential backoff;
// events that exhaust their retries land on a dead-letter queue instead of
// being dropped silently.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite" // sqlite driver
)

// Event types.
const (
	EventLogin             = "login"
	EventLogout            = "logout"
	EventTokenIssued       = "token_issued"
	EventTokenRefreshed    = "token_refreshed"
	EventTokenRevoked      = "token_revoked"
	EventCodeReplay        = "code_replay"
	EventTokenTheft        = "token_theft"
	EventClientAuthFailed  = "client_auth_failed"
	EventRateLimited       = "rate_limited"
	EventKeyRotated        = "key_rotated"
	EventEmergencyRotation = "key_rotated_emergency"
	EventClientRegistered  = "client_registered"
	EventConsentGranted    = "consent_granted"
	EventConsentDenied     = "consent_denied"
)

const (
	queueSize      = 1024
	maxWriteTries  = 3
	initialBackoff = 100 * time.Millisecond
	deadLetterCap  = 1000
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authrim_audit_events_total",
		Help: "Audit events recorded, by type.",
	}, []string{"type"})
	writeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authrim_audit_write_failures_total",
		Help: "Audit events that exhausted write retries.",
	})
	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authrim_audit_queue_dropped_total",
		Help: "Audit events dropped because the queue was full.",
	})
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Event is one audit record.
type Event struct {
	Time     time.Time      `json:"time"`
	Type     string         `json:"type"`
	Tenant   string         `json:"tenant"`
	UserID   string         `json:"user_id,omitempty"`
	ClientID string         `json:"client_id,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Logger is the async audit writer.
type Logger struct {
	db    *sql.DB
	queue chan Event
	done  chan struct{}

	mu         sync.Mutex
	deadLetter []Event
	closed     bool
}

// Open creates the audit logger over the sqlite database at path and
// applies pending migrations. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Logger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn from the writer goroutine.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	l := &Logger{
		db:    db,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("create migration filesystem: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply audit migrations: %w", err)
	}
	return nil
}

// Record queues an event. Never blocks the caller: a full queue drops the
// event with a counter bump rather than stalling a token response.
func (l *Logger) Record(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	eventsTotal.WithLabelValues(event.Type).Inc()

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}

	select {
	case l.queue <- event:
	default:
		queueDropped.Inc()
		slog.Warn("audit queue full, event dropped", "type", event.Type, "tenant", event.Tenant)
	}
}

// run drains the queue until Close.
func (l *Logger) run() {
	defer close(l.done)
	for event := range l.queue {
		l.write(event)
	}
}

// write persists one event with retries; exhausted events go to the
// dead-letter queue.
func (l *Logger) write(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = initialBackoff

	operation := func() (struct{}, error) {
		return struct{}{}, l.insert(ctx, event)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxWriteTries),
		backoff.WithNotify(func(err error, duration time.Duration) {
			slog.Debug("retrying audit write", "type", event.Type, "after", duration, "error", err)
		}),
	)
	if err != nil {
		writeFailures.Inc()
		slog.Error("audit write failed, event dead-lettered", "type", event.Type, "error", err)
		l.mu.Lock()
		if len(l.deadLetter) < deadLetterCap {
			l.deadLetter = append(l.deadLetter, event)
		}
		l.mu.Unlock()
	}
}

func (l *Logger) insert(ctx context.Context, event Event) error {
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_events (occurred_at, event_type, tenant, user_id, client_id, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.Time.UTC(), event.Type, event.Tenant, event.UserID, event.ClientID, string(detail),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// DeadLetters returns the events that could not be written, oldest first.
func (l *Logger) DeadLetters() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.deadLetter...)
}

// Count returns the number of persisted events of the given type, for
// diagnostics and tests.
func (l *Logger) Count(ctx context.Context, eventType string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE event_type = ?`, eventType,
	).Scan(&n)
	return n, err
}

// Close drains the queue, stops the writer, and closes the database.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.queue)
	<-l.done
	return l.db.Close()
}
