// Package sessions tracks live voice sessions so shutdown can warn, wait for
// and cancel them.
package sessions

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Handle is what the tracker needs from a running session. Every func is
// optional.
type Handle struct {
	Cancel     func()
	Warn       func(message string) error
	State      func() string
	RemoteAddr string
	StartedAt  time.Time
}

// Info describes a tracked session at snapshot time.
type Info struct {
	ID         string
	State      string
	RemoteAddr string
	StartedAt  time.Time
	Age        time.Duration
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*entry
	// live counts registrations not yet released, replaced ones included.
	live int
	// idle is closed whenever live is zero.
	idle chan struct{}
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	t := &Tracker{}
	t.initLocked()
	return t
}

func (t *Tracker) initLocked() {
	if t.sessions == nil {
		t.sessions = make(map[string]*entry)
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
		if t.live == 0 {
			close(t.idle)
		}
	}
}

// Register adds a session and returns its idempotent release func. A second
// registration under the same id replaces the first in snapshots, but Wait
// still waits for both to be released.
func (t *Tracker) Register(sessionID string, h Handle) (release func()) {
	if t == nil {
		return func() {}
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = time.Now()
	}
	e := &entry{handle: h}

	t.mu.Lock()
	t.initLocked()
	if t.live == 0 {
		t.idle = make(chan struct{})
	}
	t.live++
	t.sessions[sessionID] = e
	t.mu.Unlock()

	return func() { t.release(sessionID, e) }
}

func (t *Tracker) release(sessionID string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.sessions[sessionID] == e {
			delete(t.sessions, sessionID)
		}
		t.live--
		if t.live == 0 {
			close(t.idle)
		}
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// handles copies the tracked handles so callbacks run without the lock.
func (t *Tracker) handles() map[string]Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Handle, len(t.sessions))
	for id, e := range t.sessions {
		out[id] = e.handle
	}
	return out
}

// Snapshot lists tracked sessions, oldest first.
func (t *Tracker) Snapshot() []Info {
	if t == nil {
		return nil
	}
	now := time.Now()
	var out []Info
	for id, h := range t.handles() {
		info := Info{ID: id, RemoteAddr: h.RemoteAddr, StartedAt: h.StartedAt, Age: now.Sub(h.StartedAt)}
		if h.State != nil {
			info.State = h.State()
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// WarnAll sends message to every session that accepts warnings. Delivery
// failures are ignored; sent counts attempts.
func (t *Tracker) WarnAll(message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		_ = h.Warn(message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registration has been released or ctx ends. It
// reports whether the tracker went idle.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.initLocked()
	idle := t.idle
	t.mu.Unlock()

	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}
