// Package journal records the lifecycle and text traffic of voice sessions.
package journal

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("journal: session not found")

type Kind string

const (
	KindState  Kind = "state"
	KindText   Kind = "text"
	KindError  Kind = "error"
	KindClosed Kind = "closed"
)

type SessionRecord struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

type Event struct {
	Seq  int64     `json:"seq"`
	Kind Kind      `json:"kind"`
	Role string    `json:"role,omitempty"`
	Text string    `json:"text,omitempty"`
	At   time.Time `json:"at"`
}

// Store persists session journals. Implementations must be safe for
// concurrent use; sessions append from their own goroutines.
type Store interface {
	Open(ctx context.Context, rec SessionRecord) error
	Append(ctx context.Context, sessionID string, ev Event) error
	Close(ctx context.Context, sessionID, reason string) error
	// Events returns ErrNotFound for a session that was never opened.
	Events(ctx context.Context, sessionID string) ([]Event, error)
}
