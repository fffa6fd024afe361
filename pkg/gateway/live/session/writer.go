package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second

	// Bounds on delivering queued frames once the session ends.
	shutdownFlushBudget = 100 * time.Millisecond
	shutdownFlushEvents = 64
	shutdownFlushFrames = 8
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the only goroutine that writes to the client socket.
// Event frames (ready, audio, audio-end, text, error) go out in the order they
// were queued. The control lane carries only the closed frame, which overtakes
// whatever events are still queued.
// The ping ticker keeps the peer's pong flowing so ReadTimeout can spot a
// dead client.
type outboundWriter struct {
	ws      wsWriter
	ctx     context.Context
	cfg     Config
	control <-chan outboundFrame
	events  <-chan outboundFrame
	// closeCode is read once at shutdown; nil means a normal closure.
	closeCode func() int
}

func (w *outboundWriter) pingInterval() time.Duration {
	if w.cfg.PingInterval > 0 {
		return w.cfg.PingInterval
	}
	return defaultPingInterval
}

func (w *outboundWriter) writeTimeout() time.Duration {
	if w.cfg.WriteTimeout > 0 {
		return w.cfg.WriteTimeout
	}
	return defaultWriteTimeout
}

// Run writes until ctx ends, both queues are closed or a write fails.
func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	ctx := w.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	ping := time.NewTicker(w.pingInterval())
	defer ping.Stop()

	var held *outboundFrame
	for {
		if ctx.Err() != nil {
			return w.shutdown(held)
		}
		if frame, ok := w.pollControl(); ok {
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		}
		if held != nil {
			frame := *held
			held = nil
			if err := w.write(frame); err != nil {
				return err
			}
			continue
		}
		if w.control == nil && w.events == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return w.shutdown(held)
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout())); err != nil {
				return err
			}
		case frame, ok := <-w.control:
			if !ok {
				w.control = nil
				continue
			}
			if err := w.write(frame); err != nil {
				return err
			}
		case frame, ok := <-w.events:
			if !ok {
				w.events = nil
				continue
			}
			// Wait one turn so a control frame queued meanwhile goes first.
			held = &frame
		}
	}
}

// pollControl takes one queued control frame without blocking.
func (w *outboundWriter) pollControl() (outboundFrame, bool) {
	return poll(&w.control)
}

func (w *outboundWriter) pollEvents() (outboundFrame, bool) {
	return poll(&w.events)
}

func poll(ch *<-chan outboundFrame) (outboundFrame, bool) {
	select {
	case frame, ok := <-*ch:
		if !ok {
			*ch = nil
			return outboundFrame{}, false
		}
		return frame, true
	default:
		return outboundFrame{}, false
	}
}

// shutdown writes the events queued before cleanup, in order and within a
// budget, then the control queue (the closed frame in particular), then the
// close handshake, and drops the socket. Events past the budget are
// discarded; closed is always attempted.
func (w *outboundWriter) shutdown(held *outboundFrame) error {
	deadline := time.Now().Add(min(shutdownFlushBudget, w.writeTimeout()))
	ok := true
	if held != nil {
		ok = w.write(*held) == nil
	}
	for i := 0; ok && i < shutdownFlushEvents && time.Now().Before(deadline); i++ {
		frame, queued := w.pollEvents()
		if !queued {
			break
		}
		ok = w.write(frame) == nil
	}
	for i := 0; ok && i < shutdownFlushFrames; i++ {
		frame, queued := w.pollControl()
		if !queued {
			break
		}
		ok = w.write(frame) == nil
	}

	code := websocket.CloseNormalClosure
	if w.closeCode != nil {
		code = w.closeCode()
	}
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(w.writeTimeout()))
	_ = w.ws.Close()
	return nil
}

func (w *outboundWriter) write(frame outboundFrame) error {
	if len(frame.data) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout())); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.data)
}
