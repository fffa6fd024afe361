package bridge

import (
	"sync"
	"time"
)

// PlaybackSchedule places audio chunks back to back on a single playback
// clock. Times are offsets from the start of the current audio context.
type PlaybackSchedule struct {
	mu     sync.Mutex
	cursor time.Duration
}

// Schedule returns when a chunk of length d should start: at now, or where
// the previous chunk ends if that is later.
func (p *PlaybackSchedule) Schedule(now, d time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := max(now, p.cursor)
	if d > 0 {
		p.cursor = start + d
	} else {
		p.cursor = start
	}
	return start
}

// Reset starts a new audio context; the next chunk plays immediately.
func (p *PlaybackSchedule) Reset() {
	p.mu.Lock()
	p.cursor = 0
	p.mu.Unlock()
}

// Cursor is where the last scheduled chunk ends.
func (p *PlaybackSchedule) Cursor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}
