package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core/audio"
)

// fakeGateway records client frames and runs script once the socket opens.
type fakeGateway struct {
	srv *httptest.Server

	mu     sync.Mutex
	frames []map[string]any
	got    chan struct{}
}

func newFakeGateway(t *testing.T, script func(conn *websocket.Conn)) *fakeGateway {
	t.Helper()
	g := &fakeGateway{got: make(chan struct{}, 64)}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var m map[string]any
				if json.Unmarshal(data, &m) == nil {
					g.mu.Lock()
					g.frames = append(g.frames, m)
					g.mu.Unlock()
					g.got <- struct{}{}
				}
			}
		}()
		if script != nil {
			script(conn)
		}
		// Hold the socket open until the client goes away.
		<-readDone
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) waitFrames(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		g.mu.Lock()
		if len(g.frames) >= n {
			out := append([]map[string]any(nil), g.frames...)
			g.mu.Unlock()
			return out
		}
		g.mu.Unlock()
		select {
		case <-g.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
}

func TestClient_SendsControlAndAudioFrames(t *testing.T) {
	g := newFakeGateway(t, nil)
	c, err := Dial(context.Background(), g.url(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.SendAudio([]float32{0, 0.5, -1}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := c.SendAudio(nil); err != nil {
		t.Fatalf("SendAudio(nil): %v", err)
	}
	if err := c.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.Answer(); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	frames := g.waitFrames(t, 5)
	wantTypes := []string{"start", "audio", "text", "answer", "stop"}
	for i, want := range wantTypes {
		if frames[i]["type"] != want {
			t.Fatalf("frame[%d]=%v, want type %q", i, frames[i], want)
		}
	}
	want := audio.EncodeBase64(audio.FloatToPCM16([]float32{0, 0.5, -1}))
	if frames[1]["data"] != want {
		t.Fatalf("audio data=%v, want %q", frames[1]["data"], want)
	}
	if frames[2]["content"] != "hello" {
		t.Fatalf("text content=%v", frames[2]["content"])
	}
}

func TestClient_RunDispatchesUntilClosed(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	g := newFakeGateway(t, func(conn *websocket.Conn) {
		for _, frame := range []any{
			map[string]string{"type": "ready"},
			map[string]string{"type": "text", "role": "assistant", "text": "hi there"},
			map[string]string{"type": "mystery"},
			map[string]string{"type": "audio", "data": audio.EncodeBase64(pcm)},
			map[string]string{"type": "audio", "data": "!!!"},
			map[string]string{"type": "audio-end"},
			map[string]string{"type": "error", "message": "upstream hiccup"},
			map[string]string{"type": "closed"},
		} {
			if err := conn.WriteJSON(frame); err != nil {
				t.Errorf("WriteJSON: %v", err)
				return
			}
		}
	})

	c, err := Dial(context.Background(), g.url(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	var events []string
	var gotPCM []byte
	h := Handlers{
		OnReady:    func() { events = append(events, "ready") },
		OnText:     func(role, text string) { events = append(events, role+":"+text) },
		OnAudio:    func(b []byte) { gotPCM = append(gotPCM, b...); events = append(events, "audio") },
		OnAudioEnd: func() { events = append(events, "audio-end") },
		OnError:    func(msg string) { events = append(events, "error:"+msg) },
		OnClosed:   func() { events = append(events, "closed") },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx, h); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"ready",
		"assistant:hi there",
		"audio",
		"error:invalid audio from server",
		"audio-end",
		"error:upstream hiccup",
		"closed",
	}
	if strings.Join(events, "|") != strings.Join(want, "|") {
		t.Fatalf("events=%v, want %v", events, want)
	}
	if string(gotPCM) != string(pcm) {
		t.Fatalf("pcm=%v, want %v", gotPCM, pcm)
	}

	if err := c.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after closed err=%v, want ErrClosed", err)
	}
}

func TestClient_RunStopsOnContextCancel(t *testing.T) {
	g := newFakeGateway(t, nil)
	c, err := Dial(context.Background(), g.url(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, nil) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err=%v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	g := newFakeGateway(t, nil)
	c, err := Dial(context.Background(), g.url(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.SendText("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendText err=%v, want ErrClosed", err)
	}
}

func TestDial_ReportsHandshakeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("err=%v, want status 503", err)
	}
}
