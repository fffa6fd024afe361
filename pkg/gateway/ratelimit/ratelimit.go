// Package ratelimit bounds request rate and concurrent voice sessions per
// client. State is in-memory and single-process.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	// RPS and Burst size each client's request bucket; zero in either
	// disables request limiting.
	RPS   float64
	Burst int

	// MaxConcurrentSessions caps open voice sessions per client; zero means
	// unlimited.
	MaxConcurrentSessions int

	// Bounds on the client map.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	// bucket is nil when request limiting is off.
	bucket     *rate.Limiter
	sessionSem chan struct{}
	lastSeen   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// ClientKey identifies a caller by access token when present, else by the
// remote host. Tokens are hashed so they never sit in memory as map keys.
func ClientKey(token, remoteAddr string) string {
	if token = strings.TrimSpace(token); token != "" {
		sum := sha256.Sum256([]byte(token))
		return "t_" + hex.EncodeToString(sum[:16])
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	if host == "" {
		return "anonymous"
	}
	return "ip_" + host
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AcquireRequest spends one token from the client's bucket.
func (l *Limiter) AcquireRequest(client string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	cl := l.getOrCreate(client, now)
	if ok, retryAfter := cl.allow(now); !ok {
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true}
}

// AcquireSession reserves one concurrent voice session slot. The permit must
// be released when the session ends.
func (l *Limiter) AcquireSession(client string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	cl := l.getOrCreate(client, now)
	if l.cfg.MaxConcurrentSessions > 0 {
		select {
		case cl.sessionSem <- struct{}{}:
			return Decision{
				Allowed: true,
				Permit:  &Permit{release: func() { <-cl.sessionSem }},
			}
		default:
			return Decision{Allowed: false, RetryAfter: 1}
		}
	}
	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

// Len reports the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	if client == "" {
		client = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if cl, ok := l.m[client]; ok {
		cl.lastSeen = now
		return cl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// Still full: drop an idle entry. Clients holding a session slot stay.
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.sessionSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	cl := &clientLimiter{
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxConcurrentSessions)),
		lastSeen:   now,
	}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		cl.bucket = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	l.m[client] = cl
	return cl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl && len(v.sessionSem) == 0 {
			delete(l.m, k)
		}
	}
}

// allow spends one token at now. When the bucket is empty the reservation
// is handed back and the wait is reported in whole seconds for Retry-After.
func (cl *clientLimiter) allow(now time.Time) (bool, int) {
	if cl.bucket == nil {
		return true, 0
	}
	r := cl.bucket.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, max(1, int(math.Ceil(delay.Seconds())))
}
