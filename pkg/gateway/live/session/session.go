package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-go/vai-voice/pkg/core/audio"
	"github.com/vango-go/vai-voice/pkg/core/voice"
	"github.com/vango-go/vai-voice/pkg/gateway/journal"
	"github.com/vango-go/vai-voice/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/obs"
)

const (
	controlQueueSize = 8
	inboundQueueSize = 64
	writerDrainWait  = 250 * time.Millisecond
	journalTimeout   = 2 * time.Second

	messageInvalidAudio = "Invalid audio data"
)

var (
	errBackpressure = errors.New("live outbound backpressure")
	errClosing      = errors.New("voice session is closing")
)

// FatalErrorPolicy decides what happens after a connect or send failure has
// been reported to the client.
type FatalErrorPolicy string

const (
	FatalErrorReport FatalErrorPolicy = "report"
	FatalErrorClose  FatalErrorPolicy = "close"
)

// Close reasons, as journaled and counted.
const (
	ReasonStop     = "stop"
	ReasonSocket   = "socket_closed"
	ReasonShutdown = "shutdown"
	ReasonDuration = "max_duration"
	ReasonFatal    = "fatal_error"
)

// closeCodeFor picks the websocket close status sent after the closed frame.
func closeCodeFor(reason string) int {
	switch reason {
	case ReasonShutdown:
		return websocket.CloseGoingAway
	case ReasonFatal:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	MaxMessageBytes    int64
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxSessionDuration time.Duration
	OutboundQueueSize  int
	FatalErrorPolicy   FatalErrorPolicy
}

// Conn is the websocket surface a session needs. *websocket.Conn satisfies it.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Dependencies struct {
	Conn       Conn
	Adapter    voice.Adapter
	Logger     *slog.Logger
	Journal    journal.Store
	SessionID  string
	RequestID  string
	RemoteAddr string
	Metrics    *metrics.Metrics
	Config     Config
}

// Session bridges one client websocket to one voice adapter.
type Session struct {
	conn       Conn
	adapter    voice.Adapter
	logger     *slog.Logger
	journal    journal.Store
	sessionID  string
	requestID  string
	remoteAddr string
	metrics    *metrics.Metrics
	cfg        Config

	ctx    context.Context
	cancel context.CancelFunc

	writerCtx    context.Context
	writerCancel context.CancelFunc
	writerDone   chan struct{}

	outboundControl chan outboundFrame
	outboundEvents   chan outboundFrame

	state      atomic.Int32
	connected  atomic.Bool
	closing    atomic.Bool
	socketOpen atomic.Bool

	listenersMu sync.Mutex
	listeners   []func()

	cleanupOnce sync.Once
	reasonMu    sync.Mutex
	closeReason string
}

// outboundFrame is one marshaled JSON text frame.
type outboundFrame struct {
	data []byte
}

type inboundFrame struct {
	messageType int
	data        []byte
}

func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Adapter == nil {
		return nil, fmt.Errorf("voice adapter is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	switch deps.Config.FatalErrorPolicy {
	case FatalErrorReport, FatalErrorClose:
	default:
		deps.Config.FatalErrorPolicy = FatalErrorReport
	}

	ctx, cancel := context.WithCancel(context.Background())
	writerCtx, writerCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:            deps.Conn,
		adapter:         deps.Adapter,
		logger:          deps.Logger.With("session_id", deps.SessionID, "request_id", deps.RequestID),
		journal:         deps.Journal,
		sessionID:       deps.SessionID,
		requestID:       deps.RequestID,
		remoteAddr:      deps.RemoteAddr,
		metrics:         deps.Metrics,
		cfg:             deps.Config,
		ctx:             ctx,
		cancel:          cancel,
		writerCtx:       writerCtx,
		writerCancel:    writerCancel,
		writerDone:      make(chan struct{}),
		outboundControl: make(chan outboundFrame, max(1, min(deps.Config.OutboundQueueSize, controlQueueSize))),
		outboundEvents:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	s.socketOpen.Store(true)
	return s, nil
}

func (s *Session) ID() string { return s.sessionID }

func (s *Session) State() State { return State(s.state.Load()) }

// CloseReason is set once Cleanup has run.
func (s *Session) CloseReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.closeReason
}

// Run serves the session until it is closed. Inbound frames are handled one
// at a time in arrival order.
func (s *Session) Run() error {
	defer s.cancel()

	ctx, span := obs.StartSpan(s.ctx, "voice.session",
		attribute.String("session_id", s.sessionID),
		attribute.String("request_id", s.requestID),
	)
	defer obs.EndSpan(span, nil)

	obs.SessionStarted(ctx)
	s.journalOpen()

	if s.cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, inboundQueueSize)
	go s.readLoop(readCh)
	go func() {
		defer close(s.writerDone)
		w := outboundWriter{
			ws:      s.conn,
			ctx:     s.writerCtx,
			cfg:     s.cfg,
			control: s.outboundControl,
			events:  s.outboundEvents,
			closeCode: func() int {
				return closeCodeFor(s.CloseReason())
			},
		}
		if err := w.Run(); err != nil && !s.closing.Load() {
			s.logger.Debug("voice session writer stopped", "error", err)
			s.cancel()
		}
	}()

	var durationC <-chan time.Time
	if s.cfg.MaxSessionDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxSessionDuration)
		defer timer.Stop()
		durationC = timer.C
	}

	s.logger.Info("voice session started")
	reason := ""
	for reason == "" {
		select {
		case <-s.ctx.Done():
			reason = ReasonShutdown
		case <-durationC:
			reason = ReasonDuration
		case frame, ok := <-readCh:
			if !ok {
				reason = ReasonSocket
				break
			}
			if frame.messageType != websocket.TextMessage {
				s.sendError(protocol.MessageInvalidFormat)
				continue
			}
			reason = s.handleMessage(ctx, frame.data)
		}
	}

	s.Cleanup(reason)
	select {
	case <-s.writerDone:
	case <-time.After(writerDrainWait):
	}
	_ = s.conn.Close()
	s.setState(StateClosed)
	s.logger.Info("voice session closed", "reason", s.CloseReason())
	return nil
}

// handleMessage processes one client text frame and returns a non-empty close
// reason when the session should end.
func (s *Session) handleMessage(ctx context.Context, data []byte) string {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		message := protocol.MessageInvalidFormat
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.Message != "" {
			message = de.Message
		}
		s.sendError(message)
		return ""
	}

	switch m := msg.(type) {
	case protocol.ClientStart:
		if err := s.ensureConnected(ctx); err != nil {
			return s.fatal(err)
		}
	case protocol.ClientAudio:
		if err := s.ensureConnected(ctx); err != nil {
			return s.fatal(err)
		}
		raw, err := audio.DecodeBase64(m.Data)
		if err != nil {
			s.sendError(messageInvalidAudio)
			return ""
		}
		obs.AudioIn(ctx, len(raw))
		s.metrics.AudioIn(len(raw))
		if err := s.adapter.Send(ctx, audio.BytesToInt16(raw)); err != nil {
			return s.fatal(err)
		}
	case protocol.ClientAnswer:
		answerer, ok := s.adapter.(voice.Answerer)
		if !ok {
			return ""
		}
		go func() {
			if err := answerer.Answer(ctx); err != nil && !s.closing.Load() {
				s.sendError(err.Error())
			}
		}()
	case protocol.ClientText:
		speaker, ok := s.adapter.(voice.Speaker)
		if !ok {
			return ""
		}
		if err := speaker.Speak(ctx, m.Content); err != nil {
			s.sendError(err.Error())
		}
	case protocol.ClientStop:
		return ReasonStop
	}
	return ""
}

// ensureConnected connects the adapter on first use. Callers are serialized by
// the Run loop, so a burst of early audio yields one Connect.
func (s *Session) ensureConnected(ctx context.Context) error {
	if s.connected.Load() {
		return nil
	}
	s.setState(StateConnecting)

	connectCtx, span := obs.StartSpan(ctx, "voice.adapter.connect", attribute.String("session_id", s.sessionID))
	err := s.adapter.Connect(connectCtx)
	obs.EndSpan(span, err)
	if err != nil {
		s.setState(StateIdle)
		return err
	}

	// Cleanup may have run while Connect was in flight.
	if !s.attachListeners() {
		return errClosing
	}
	s.connected.Store(true)
	s.setState(StateActive)
	s.enqueueJSON(protocol.ServerReady{Type: protocol.TypeReady})
	return nil
}

func (s *Session) fatal(err error) string {
	if s.closing.Load() {
		return ""
	}
	s.sendError(err.Error())
	s.logger.Warn("voice adapter call failed", "error", err, "policy", string(s.cfg.FatalErrorPolicy))
	if s.cfg.FatalErrorPolicy == FatalErrorClose {
		return ReasonFatal
	}
	return ""
}

// attachListeners subscribes to adapter events. It reports false once the
// session is closing; Cleanup sets closing before it takes listenersMu, so no
// listener outlives it.
func (s *Session) attachListeners() bool {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	if s.closing.Load() {
		return false
	}
	src, ok := s.adapter.(voice.EventSource)
	if !ok {
		return true
	}
	s.listeners = append(s.listeners,
		src.OnSpeaker(s.onSpeaker),
		src.OnSpeaking(s.onSpeaking),
		src.OnWriting(s.onWriting),
		src.OnError(s.onError),
	)
	return true
}

func (s *Session) detachListeners() {
	s.listenersMu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.listenersMu.Unlock()

	for _, detach := range listeners {
		if detach == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("failed to detach voice listener", "panic", r)
				}
			}()
			detach()
		}()
	}
}

func (s *Session) onSpeaker(stream *voice.SpeakerStream) {
	if stream == nil || s.closing.Load() {
		return
	}
	go func() {
		defer stream.Close()
		for {
			select {
			case <-s.ctx.Done():
				return
			case chunk, ok := <-stream.Chunks():
				if !ok {
					if err := stream.Err(); err != nil {
						s.sendError(fmt.Sprintf("Audio stream error: %v", err))
						return
					}
					s.enqueueJSON(protocol.ServerAudioEnd{Type: protocol.TypeAudioEnd})
					return
				}
				if len(chunk) == 0 {
					continue
				}
				obs.AudioOutChunk(s.ctx)
				s.metrics.AudioOut(len(chunk))
				s.enqueueJSON(protocol.ServerAudio{Type: protocol.TypeAudio, Data: audio.EncodeBase64(chunk)})
			}
		}
	}()
}

func (s *Session) onSpeaking(ev voice.SpeakingEvent) {
	data := ev.Audio
	if data == "" && len(ev.Samples) > 0 {
		data = audio.EncodeBase64(audio.Int16ToBytes(ev.Samples))
	}
	if data == "" {
		return
	}
	obs.AudioOutChunk(s.ctx)
	s.metrics.AudioOut(base64.StdEncoding.DecodedLen(len(data)))
	s.enqueueJSON(protocol.ServerAudio{Type: protocol.TypeAudio, Data: data})
	s.enqueueJSON(protocol.ServerAudioEnd{Type: protocol.TypeAudioEnd})
}

func (s *Session) onWriting(ev voice.WritingEvent) {
	if s.closing.Load() {
		return
	}
	s.journalAppend(journal.Event{Kind: journal.KindText, Role: ev.Role, Text: ev.Text})
	s.enqueueJSON(protocol.ServerText{Type: protocol.TypeText, Role: ev.Role, Text: ev.Text})
}

func (s *Session) onError(ev voice.ErrorEvent) {
	s.sendError(ev.Message)
}

// Cleanup tears the session down. Only the first call has any effect.
func (s *Session) Cleanup(reason string) {
	if s == nil {
		return
	}
	s.cleanupOnce.Do(func() {
		s.closing.Store(true)
		s.reasonMu.Lock()
		s.closeReason = reason
		s.reasonMu.Unlock()
		s.setState(StateClosing)
		// Release adapter calls and event handlers waiting on the session.
		s.cancel()

		s.detachListeners()
		if err := s.adapter.Close(); err != nil {
			s.logger.Warn("failed to close voice adapter", "error", err)
		}
		if s.socketOpen.Load() {
			s.enqueueControlJSON(protocol.ServerClosed{Type: protocol.TypeClosed})
		}
		s.writerCancel()

		obs.SessionClosed(context.Background(), reason)
		s.journalClose(reason)
	})
}

// Cancel ends the session from outside the Run loop, as on server shutdown.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// SendWarning reports message to the client as an error frame without
// changing state. It never waits on a full queue.
func (s *Session) SendWarning(message string) error {
	if s == nil {
		return nil
	}
	payload, err := json.Marshal(protocol.ServerError{Type: protocol.TypeError, Message: message})
	if err != nil {
		return err
	}
	return s.tryEnqueueEvent(outboundFrame{data: payload})
}

// sendError queues an error frame behind the events already queued, so the
// client sees errors in the order they happened.
func (s *Session) sendError(message string) {
	if s.closing.Load() {
		return
	}
	s.journalAppend(journal.Event{Kind: journal.KindError, Text: message})
	s.enqueueJSON(protocol.ServerError{Type: protocol.TypeError, Message: message})
}

func (s *Session) enqueueJSON(v any) {
	if s.closing.Load() {
		return
	}
	if err := s.sendJSON(v); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("voice session dropped outbound frame", "error", err)
	}
}

func (s *Session) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueEvent(outboundFrame{data: payload})
}

func (s *Session) enqueueControlJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueControl(outboundFrame{data: payload})
}

// enqueueEvent waits for room in the events queue. Audio and its audio-end
// terminator are never dropped; a client that stops reading fails the
// writer's deadline, which ends the session and releases the wait.
func (s *Session) enqueueEvent(frame outboundFrame) error {
	select {
	case s.outboundEvents <- frame:
		return nil
	default:
	}
	select {
	case s.outboundEvents <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Session) tryEnqueueEvent(frame outboundFrame) error {
	select {
	case s.outboundEvents <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// enqueueControl evicts older control frames to make room.
func (s *Session) enqueueControl(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundControl <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundControl:
		default:
		}
	}
	select {
	case s.outboundControl <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// readLoop starts cleanup itself when the socket fails, so an adapter call
// still running in the Run loop sees its context cancelled.
func (s *Session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.logger.Debug("voice session read failed", "error", err)
			}
			s.socketOpen.Store(false)
			s.Cleanup(ReasonSocket)
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// setState moves to st. Closing and closed are terminal: a late Connect
// result cannot move the session back to idle or active.
func (s *Session) setState(st State) {
	var prev State
	for {
		prev = State(s.state.Load())
		if prev == st || (prev >= StateClosing && st < prev) {
			return
		}
		if s.state.CompareAndSwap(int32(prev), int32(st)) {
			break
		}
	}
	s.logger.Debug("voice session state", "from", prev.String(), "to", st.String())
	if st == StateClosed {
		// The journal entry for the end of a session is written by Cleanup.
		return
	}
	s.journalAppend(journal.Event{Kind: journal.KindState, Text: st.String()})
}

func (s *Session) journalOpen() {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.Open(ctx, journal.SessionRecord{
		ID:         s.sessionID,
		RequestID:  s.requestID,
		RemoteAddr: s.remoteAddr,
		StartedAt:  time.Now(),
	}); err != nil {
		s.logger.Warn("journal open failed", "error", err)
	}
}

func (s *Session) journalAppend(ev journal.Event) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.Append(ctx, s.sessionID, ev); err != nil {
		s.logger.Debug("journal append failed", "error", err, "kind", string(ev.Kind))
	}
}

func (s *Session) journalClose(reason string) {
	if s.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.Close(ctx, s.sessionID, reason); err != nil {
		s.logger.Warn("journal close failed", "error", err)
	}
}

func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
