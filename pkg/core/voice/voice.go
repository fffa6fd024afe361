// Package voice defines the capability boundary between a realtime session and
// an upstream streaming voice backend.
package voice

import (
	"context"
)

// Adapter is the required surface of a voice backend. Implementations are
// owned by exactly one session and are never reused once closed.
type Adapter interface {
	// Connect opens the upstream connection. It fails if the backend is
	// unreachable or rejects the credentials.
	Connect(ctx context.Context) error

	// Send forwards one chunk of captured PCM16 mono audio.
	Send(ctx context.Context, samples []int16) error

	// Close releases the upstream connection.
	Close() error
}

// Speaker is implemented by adapters that can speak arbitrary text.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Answerer is implemented by adapters that can generate a reply on demand.
type Answerer interface {
	Answer(ctx context.Context) error
}

// EventSource is implemented by adapters that emit events. Each subscription
// returns a function that detaches the handler.
type EventSource interface {
	OnSpeaker(func(*SpeakerStream)) (unsubscribe func())
	OnSpeaking(func(SpeakingEvent)) (unsubscribe func())
	OnWriting(func(WritingEvent)) (unsubscribe func())
	OnError(func(ErrorEvent)) (unsubscribe func())
}

// SpeakingEvent carries one complete utterance. Audio is already base64 when
// set; otherwise Samples holds raw PCM16.
type SpeakingEvent struct {
	Audio   string
	Samples []int16
}

// WritingEvent carries a partial or final transcript or reply.
type WritingEvent struct {
	Role string
	Text string
}

type ErrorEvent struct {
	Message string
	Code    string
}

// Factory builds a fresh adapter for one session.
type Factory func() (Adapter, error)
