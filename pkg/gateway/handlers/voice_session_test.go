package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core/voice"
	"github.com/vango-go/vai-voice/pkg/gateway/journal"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

type fakeVoiceAdapter struct {
	voice.Emitter

	mu       sync.Mutex
	connects int
	closes   int
	sends    int
}

func (a *fakeVoiceAdapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	return nil
}

func (a *fakeVoiceAdapter) Send(context.Context, []int16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends++
	return nil
}

func (a *fakeVoiceAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closes++
	return nil
}

func (a *fakeVoiceAdapter) counts() (connects, closes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects, a.closes
}

type voiceHarness struct {
	h        *VoiceSessionHandler
	srv      *httptest.Server
	journal  *journal.MemoryStore
	tracker  *sessions.Tracker
	mu       sync.Mutex
	adapters []*fakeVoiceAdapter
}

type voiceTestOptions struct {
	maxSessions int
	noFactory   bool
	factoryErr  error
}

func newVoiceTestServer(t *testing.T, opts voiceTestOptions) *voiceHarness {
	t.Helper()
	hr := &voiceHarness{
		journal: journal.NewMemoryStore(),
		tracker: sessions.NewTracker(),
	}
	var factory voice.Factory
	if !opts.noFactory {
		factory = func() (voice.Adapter, error) {
			if opts.factoryErr != nil {
				return nil, opts.factoryErr
			}
			a := &fakeVoiceAdapter{}
			hr.mu.Lock()
			hr.adapters = append(hr.adapters, a)
			hr.mu.Unlock()
			return a, nil
		}
	}
	hr.h = &VoiceSessionHandler{
		Config:    testConfig(),
		Adapters:  factory,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Journal:   hr.journal,
		Limiter:   ratelimit.New(ratelimit.Config{MaxConcurrentSessions: opts.maxSessions}),
		Lifecycle: &lifecycle.Lifecycle{},
		Sessions:  hr.tracker,
	}
	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	hr.srv = httptest.NewServer(hr.h.Dispatch(notFound))
	t.Cleanup(hr.srv.Close)
	return hr
}

func (hr *voiceHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(hr.srv.URL, "http") + "/api/voice-session"
}

func (hr *voiceHarness) adapter(i int) *fakeVoiceAdapter {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	if i >= len(hr.adapters) {
		return nil
	}
	return hr.adapters[i]
}

func mustDialVoice(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func mustReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestVoiceSessionHandler_StatusWithoutUpgrade(t *testing.T) {
	hr := newVoiceTestServer(t, voiceTestOptions{})

	resp, err := http.Get(hr.srv.URL + "/api/voice-session")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var body voiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || !body.WebsocketReady {
		t.Fatalf("body=%+v", body)
	}

	post, err := http.Post(hr.srv.URL+"/api/voice-session", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST status=%d, want 405", post.StatusCode)
	}
}

func TestVoiceSessionHandler_DispatchPassesOtherPaths(t *testing.T) {
	hr := newVoiceTestServer(t, voiceTestOptions{})

	resp, err := http.Get(hr.srv.URL + "/api/repos")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status=%d, want next handler", resp.StatusCode)
	}
}

func TestVoiceSessionHandler_StartStopJournals(t *testing.T) {
	hr := newVoiceTestServer(t, voiceTestOptions{})

	conn := mustDialVoice(t, hr.wsURL())
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "start"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := mustReadFrame(t, conn, 2*time.Second); msg["type"] != "ready" {
		t.Fatalf("first frame=%v, want ready", msg)
	}
	waitFor(t, "tracked session", func() bool { return hr.tracker.Count() == 1 })

	if err := conn.WriteJSON(map[string]string{"type": "stop"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if msg := mustReadFrame(t, conn, 2*time.Second); msg["type"] != "closed" {
		t.Fatalf("frame=%v, want closed", msg)
	}

	waitFor(t, "session cleanup", func() bool { return hr.tracker.Count() == 0 })
	a := hr.adapter(0)
	if a == nil {
		t.Fatalf("expected adapter to be built")
	}
	waitFor(t, "adapter close", func() bool {
		_, closes := a.counts()
		return closes == 1
	})
	if connects, _ := a.counts(); connects != 1 {
		t.Fatalf("connects=%d, want 1", connects)
	}

	snap := hr.tracker.Snapshot()
	if len(snap) != 0 {
		t.Fatalf("snapshot=%v, want empty", snap)
	}
}

func TestVoiceSessionHandler_DrainingRefusesUpgrade(t *testing.T) {
	hr := newVoiceTestServer(t, voiceTestOptions{})
	hr.h.Lifecycle.SetDraining(true)

	_, resp, err := websocket.DefaultDialer.Dial(hr.wsURL(), nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
	if hr.adapter(0) != nil {
		t.Fatalf("adapter built while draining")
	}
}

func TestVoiceSessionHandler_NoBackend(t *testing.T) {
	for name, opts := range map[string]voiceTestOptions{
		"nil factory":    {noFactory: true},
		"factory failed": {factoryErr: errors.New("OPENAI_API_KEY is not set")},
	} {
		t.Run(name, func(t *testing.T) {
			hr := newVoiceTestServer(t, opts)
			_, resp, err := websocket.DefaultDialer.Dial(hr.wsURL(), nil)
			if err == nil {
				t.Fatalf("expected dial to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
				t.Fatalf("resp=%v, want 503", resp)
			}
		})
	}
}

func TestVoiceSessionHandler_SessionCap(t *testing.T) {
	hr := newVoiceTestServer(t, voiceTestOptions{maxSessions: 1})

	conn1 := mustDialVoice(t, hr.wsURL())
	defer conn1.Close()
	waitFor(t, "first session", func() bool { return hr.tracker.Count() == 1 })

	_, resp, err := websocket.DefaultDialer.Dial(hr.wsURL(), nil)
	if err == nil {
		t.Fatalf("expected second dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("resp=%v, want 429", resp)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	// Releasing the first session frees the slot.
	conn1.Close()
	waitFor(t, "first session cleanup", func() bool { return hr.tracker.Count() == 0 })
	conn3 := mustDialVoice(t, hr.wsURL())
	conn3.Close()
}

func TestVoiceSessionHandler_ForeignOriginDropsConnection(t *testing.T) {
	hr := newVoiceTestServer(t, voiceTestOptions{})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(hr.wsURL(), header)
	if err == nil {
		t.Fatalf("expected dial to fail for foreign origin")
	}
	if resp != nil && resp.StatusCode == http.StatusSwitchingProtocols {
		t.Fatalf("unexpected upgrade")
	}
	a := hr.adapter(0)
	if a == nil {
		t.Fatalf("expected adapter to be built before the handshake")
	}
	if _, closes := a.counts(); closes != 1 {
		t.Fatalf("closes=%d, want 1", closes)
	}
}

func TestVoiceSessionHandler_AllowlistedOrigin(t *testing.T) {
	hr := newVoiceTestServer(t, voiceTestOptions{})
	hr.h.Config.CORSAllowedOrigins = map[string]struct{}{"https://app.example": {}}

	header := http.Header{"Origin": []string{"https://app.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(hr.wsURL(), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}
