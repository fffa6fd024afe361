// Package bridge is the client side of a voice session: it sends captured
// microphone audio to the gateway and hands received audio to a player.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core/audio"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
)

// SampleRateHz is the PCM16 rate used in both directions.
const SampleRateHz = 24000

const defaultWriteTimeout = 5 * time.Second

var ErrClosed = errors.New("bridge: client closed")

// Handler receives server frames in arrival order from Run.
type Handler interface {
	Ready()
	Text(role, text string)
	// Audio carries decoded PCM16 LE mono bytes.
	Audio(pcm []byte)
	AudioEnd()
	Error(message string)
	Closed()
}

// Handlers adapts optional funcs to Handler. Nil fields are ignored.
type Handlers struct {
	OnReady    func()
	OnText     func(role, text string)
	OnAudio    func(pcm []byte)
	OnAudioEnd func()
	OnError    func(message string)
	OnClosed   func()
}

func (h Handlers) Ready() {
	if h.OnReady != nil {
		h.OnReady()
	}
}

func (h Handlers) Text(role, text string) {
	if h.OnText != nil {
		h.OnText(role, text)
	}
}

func (h Handlers) Audio(pcm []byte) {
	if h.OnAudio != nil {
		h.OnAudio(pcm)
	}
}

func (h Handlers) AudioEnd() {
	if h.OnAudioEnd != nil {
		h.OnAudioEnd()
	}
}

func (h Handlers) Error(message string) {
	if h.OnError != nil {
		h.OnError(message)
	}
}

func (h Handlers) Closed() {
	if h.OnClosed != nil {
		h.OnClosed()
	}
}

type Client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(*Client)

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// Dial opens a voice session at url (ws:// or wss://). header may carry the
// session cookie.
func Dial(ctx context.Context, url string, header http.Header, opts ...Option) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newClient(conn, opts...), nil
}

func newClient(conn *websocket.Conn, opts ...Option) *Client {
	c := &Client{
		conn:         conn,
		writeTimeout: defaultWriteTimeout,
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Start() error {
	return c.writeJSON(protocol.ClientStart{Type: protocol.TypeStart})
}

func (c *Client) Stop() error {
	return c.writeJSON(protocol.ClientStop{Type: protocol.TypeStop})
}

func (c *Client) Answer() error {
	return c.writeJSON(protocol.ClientAnswer{Type: protocol.TypeAnswer})
}

func (c *Client) SendText(content string) error {
	return c.writeJSON(protocol.ClientText{Type: protocol.TypeText, Content: content})
}

// SendAudio encodes float samples in [-1,1] as one audio frame.
func (c *Client) SendAudio(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	return c.writeJSON(protocol.ClientAudio{
		Type: protocol.TypeAudio,
		Data: audio.EncodeBase64(audio.FloatToPCM16(samples)),
	})
}

// Run reads frames until the server sends closed, the socket fails or ctx
// ends. A closed frame ends Run with a nil error.
func (c *Client) Run(ctx context.Context, h Handler) error {
	if h == nil {
		h = Handlers{}
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-c.closed:
				return ErrClosed
			default:
			}
			return fmt.Errorf("bridge: read: %w", err)
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			// Unknown frames from a newer server are skipped.
			continue
		}
		switch m := msg.(type) {
		case protocol.ServerReady:
			h.Ready()
		case protocol.ServerText:
			h.Text(m.Role, m.Text)
		case protocol.ServerAudio:
			pcm, err := audio.DecodeBase64(m.Data)
			if err != nil {
				h.Error("invalid audio from server")
				continue
			}
			h.Audio(pcm)
		case protocol.ServerAudioEnd:
			h.AudioEnd()
		case protocol.ServerError:
			h.Error(m.Message)
		case protocol.ServerClosed:
			h.Closed()
			_ = c.Close()
			return nil
		}
	}
}

// Close tears the connection down. Only the first call has any effect.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writeJSON(v any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}
