// Package store persists the gateway's session journal and provides SQLite and
// PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Journal records session lifecycles and audit events.
type Journal interface {
	// Sessions
	SessionStarted(ctx context.Context, rec *SessionRecord) error
	SessionClosed(ctx context.Context, id, reason string, received, sent int64, closedAt time.Time) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, limit, offset int) ([]SessionRecord, error)

	// Audit
	LogEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)

	// Data retention
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// SessionRecord is the journal entry of one client session.
type SessionRecord struct {
	ID          string     `json:"id"`
	RemoteAddr  string     `json:"remote_addr"`
	StartedAt   time.Time  `json:"started_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	Received    int64      `json:"received"`
	Sent        int64      `json:"sent"`
}

// Event is an audit log entry.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	SessionID string
	Action    string // prefix match
	Limit     int    // default 100
}

// Audit actions written by the gateway.
const (
	ActionSessionStarted = "session.started"
	ActionSessionClosed  = "session.closed"
	ActionServerStarted  = "server.started"
	ActionServerShutdown = "server.shutdown"
)

func (f EventFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}
