// Package openairt implements voice.Adapter against the OpenAI Realtime API.
package openairt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-voice/pkg/core/audio"
	"github.com/vango-go/vai-voice/pkg/core/voice"
)

const (
	DefaultURL          = "wss://api.openai.com/v1/realtime"
	DefaultModel        = "gpt-4o-mini-realtime-preview-2024-12-17"
	DefaultSpeaker      = "alloy"
	DefaultInstructions = "You are a friendly real-time AI assistant. Keep responses concise and conversational."

	// SampleRate is the PCM16 rate the realtime API uses in both directions.
	SampleRate = 24000
)

var (
	ErrNotConnected = errors.New("realtime voice is not connected")
	ErrClosed       = errors.New("realtime voice is closed")
)

type Config struct {
	APIKey       string
	Model        string
	Speaker      string
	Instructions string
	URL          string

	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

// Voice is a realtime connection for one session. A failed Connect leaves it
// reusable; only Close is final.
type Voice struct {
	voice.Emitter

	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	current   *voice.SpeakerStream
	currentID string

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// handshake is the outcome of one dial: session.created, an upstream error
// or a lost connection, whichever comes first.
type handshake struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newHandshake() *handshake {
	return &handshake{done: make(chan struct{})}
}

func (h *handshake) resolve(err error) bool {
	resolved := false
	h.once.Do(func() {
		h.err = err
		close(h.done)
		resolved = true
	})
	return resolved
}

func (h *handshake) established() bool {
	select {
	case <-h.done:
		return h.err == nil
	default:
		return false
	}
}

var (
	_ voice.Adapter     = (*Voice)(nil)
	_ voice.Speaker     = (*Voice)(nil)
	_ voice.Answerer    = (*Voice)(nil)
	_ voice.EventSource = (*Voice)(nil)
)

func New(cfg Config) (*Voice, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if strings.TrimSpace(cfg.Speaker) == "" {
		cfg.Speaker = DefaultSpeaker
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		cfg.Instructions = DefaultInstructions
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Voice{
		cfg:    cfg,
		closed: make(chan struct{}),
	}, nil
}

// Factory returns a voice.Factory that builds a fresh Voice per call.
func Factory(cfg Config) voice.Factory {
	return func() (voice.Adapter, error) {
		return New(cfg)
	}
}

func (v *Voice) Connect(ctx context.Context) error {
	select {
	case <-v.closed:
		return ErrClosed
	default:
	}

	v.mu.Lock()
	if v.conn != nil {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	wsURL, err := buildURL(v.cfg.URL, v.cfg.Model)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(v.cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := v.cfg.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial realtime: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial realtime: %w", err)
	}

	hs := newHandshake()
	go v.readLoop(conn, hs)

	if err := v.writeConn(ctx, conn, map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":                []string{"text", "audio"},
			"voice":                     v.cfg.Speaker,
			"instructions":              v.cfg.Instructions,
			"input_audio_format":        "pcm16",
			"output_audio_format":       "pcm16",
			"input_audio_transcription": map[string]any{"model": "whisper-1"},
			"turn_detection":            map[string]any{"type": "server_vad"},
		},
	}); err != nil {
		hs.resolve(err)
		_ = conn.Close()
		return fmt.Errorf("configure realtime session: %w", err)
	}

	select {
	case <-hs.done:
	case <-ctx.Done():
		hs.resolve(ctx.Err())
	case <-v.closed:
		hs.resolve(ErrClosed)
	}
	if hs.err != nil {
		_ = conn.Close()
		return hs.err
	}

	v.mu.Lock()
	select {
	case <-v.closed:
		v.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	default:
	}
	v.conn = conn
	v.mu.Unlock()
	return nil
}

func (v *Voice) Send(ctx context.Context, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	return v.writeJSON(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audio.EncodeBase64(audio.Int16ToBytes(samples)),
	})
}

func (v *Voice) Answer(ctx context.Context) error {
	return v.writeJSON(ctx, map[string]any{"type": "response.create"})
}

// Speak asks the model to voice text as-is.
func (v *Voice) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return v.writeJSON(ctx, map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"modalities":   []string{"audio", "text"},
			"voice":        v.cfg.Speaker,
			"instructions": "Repeat the following text: " + text,
		},
	})
}

func (v *Voice) Close() error {
	v.closeOnce.Do(func() {
		close(v.closed)
		v.mu.Lock()
		conn := v.conn
		v.mu.Unlock()
		if conn != nil {
			v.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			v.writeMu.Unlock()
			_ = conn.Close()
		}
		v.finishStream("", nil)
	})
	return nil
}

type serverEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (ev serverEvent) errorMessage() (msg, code string) {
	msg = "realtime error"
	if ev.Error != nil {
		if strings.TrimSpace(ev.Error.Message) != "" {
			msg = ev.Error.Message
		}
		code = ev.Error.Code
	}
	return msg, code
}

// readLoop serves one dialed conn. Until the handshake succeeds, failures
// belong to Connect, which drops the conn and leaves the Voice reusable.
func (v *Voice) readLoop(conn *websocket.Conn, hs *handshake) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			lost := fmt.Errorf("realtime connection lost: %w", err)
			if hs.resolve(lost) || !hs.established() {
				return
			}
			select {
			case <-v.closed:
				return
			default:
			}
			v.finishStream("", lost)
			v.EmitError(voice.ErrorEvent{Message: lost.Error(), Code: "connection_lost"})
			_ = v.Close()
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "session.created", "session.updated":
			hs.resolve(nil)
		case "error":
			msg, _ := ev.errorMessage()
			if hs.resolve(errors.New(msg)) {
				// Rejected during setup; Connect reports it.
				continue
			}
		}
		v.handleEvent(ev)
	}
}

func (v *Voice) handleEvent(ev serverEvent) {
	switch ev.Type {
	case "error":
		msg, code := ev.errorMessage()
		v.EmitError(voice.ErrorEvent{Message: msg, Code: code})
	case "response.audio.delta":
		chunk, err := audio.DecodeBase64(ev.Delta)
		if err != nil || len(chunk) == 0 {
			return
		}
		if s := v.streamFor(ev.ResponseID); s != nil {
			s.Push(chunk)
		}
	case "response.audio.done", "response.done":
		v.finishStream(ev.ResponseID, nil)
	case "input_audio_buffer.speech_started":
		// Barge-in: the current reply is abandoned upstream.
		v.finishStream("", nil)
	case "response.audio_transcript.delta":
		if ev.Delta != "" {
			v.EmitWriting(voice.WritingEvent{Role: "assistant", Text: ev.Delta})
		}
	case "conversation.item.input_audio_transcription.completed":
		if strings.TrimSpace(ev.Transcript) != "" {
			v.EmitWriting(voice.WritingEvent{Role: "user", Text: ev.Transcript})
		}
	}
}

// streamFor returns the speaker stream for responseID, opening and emitting a
// new one when the response changes. It returns nil when nobody listens.
func (v *Voice) streamFor(responseID string) *voice.SpeakerStream {
	v.mu.Lock()
	if v.current != nil && v.currentID == responseID {
		s := v.current
		v.mu.Unlock()
		return s
	}
	prev := v.current
	s := voice.NewSpeakerStream(128)
	v.current = s
	v.currentID = responseID
	v.mu.Unlock()

	if prev != nil {
		prev.Finish(nil)
	}
	if !v.EmitSpeaker(s) {
		s.Close()
	}
	return s
}

// finishStream ends the current stream. An empty responseID matches any stream.
func (v *Voice) finishStream(responseID string, err error) {
	v.mu.Lock()
	s := v.current
	if s == nil || (responseID != "" && v.currentID != responseID) {
		v.mu.Unlock()
		return
	}
	v.current = nil
	v.currentID = ""
	v.mu.Unlock()
	s.Finish(err)
}

func (v *Voice) writeJSON(ctx context.Context, payload any) error {
	select {
	case <-v.closed:
		return ErrClosed
	default:
	}
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return v.writeConn(ctx, conn, payload)
}

func (v *Voice) writeConn(ctx context.Context, conn *websocket.Conn, payload any) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(v.cfg.WriteTimeout))
	}
	return conn.WriteJSON(payload)
}

func buildURL(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
