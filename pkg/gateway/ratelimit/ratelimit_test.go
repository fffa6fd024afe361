package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func TestAcquireSession_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentSessions: 1})
	now := time.Now()

	first := l.AcquireSession("c1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireSession("c1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}
	if other := l.AcquireSession("c2", now); !other.Allowed {
		t.Fatalf("other client should not share the slot")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireSession("c1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireRequest_TokenBucketRefills(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 2})
	now := time.Unix(1000, 0)

	for i := 0; i < 2; i++ {
		if d := l.AcquireRequest("c", now); !d.Allowed {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	d := l.AcquireRequest("c", now)
	if d.Allowed {
		t.Fatalf("third request allowed beyond burst")
	}
	if d.RetryAfter != 1 {
		t.Fatalf("RetryAfter=%d, want 1", d.RetryAfter)
	}

	if d := l.AcquireRequest("c", now.Add(time.Second)); !d.Allowed {
		t.Fatalf("request denied after refill")
	}
}

func TestAcquireRequest_DisabledWhenUnset(t *testing.T) {
	l := New(Config{})
	now := time.Now()
	for i := 0; i < 100; i++ {
		if d := l.AcquireRequest("c", now); !d.Allowed {
			t.Fatalf("request %d denied with limits disabled", i)
		}
	}
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	if d := l.AcquireRequest("c", time.Now()); !d.Allowed {
		t.Fatalf("nil limiter denied request")
	}
	d := l.AcquireSession("c", time.Now())
	if !d.Allowed {
		t.Fatalf("nil limiter denied session")
	}
	d.Permit.Release()
}

func TestClientKey(t *testing.T) {
	if got := ClientKey("", "10.0.0.1:5555"); got != "ip_10.0.0.1" {
		t.Fatalf("ClientKey ip=%q", got)
	}
	got := ClientKey("gho_secret", "10.0.0.1:5555")
	if !strings.HasPrefix(got, "t_") || strings.Contains(got, "gho_secret") {
		t.Fatalf("ClientKey token=%q", got)
	}
	if got != ClientKey("gho_secret", "192.168.1.1:1") {
		t.Fatalf("token key should not depend on address")
	}
	if got := ClientKey("", ""); got != "anonymous" {
		t.Fatalf("ClientKey empty=%q", got)
	}
}

func TestEvictionKeepsClientsWithSessions(t *testing.T) {
	l := New(Config{MaxConcurrentSessions: 1, MaxEntries: 1, EntryTTL: time.Minute})
	now := time.Now()

	held := l.AcquireSession("busy", now)
	if !held.Allowed {
		t.Fatalf("first session denied")
	}
	_ = l.AcquireRequest("idle", now.Add(2*time.Minute))
	if again := l.AcquireSession("busy", now.Add(2*time.Minute)); again.Allowed {
		t.Fatalf("busy client lost its slot after eviction pressure")
	}
	held.Permit.Release()
}
