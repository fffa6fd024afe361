package voice

import (
	"sync"
)

// SpeakerStream is a push stream of synthesized audio for one response.
// The producer calls Push and then Finish; the consumer ranges over Chunks and
// checks Err once the channel is closed.
type SpeakerStream struct {
	chunks    chan []byte
	done      chan struct{}
	err       error
	errMu     sync.Mutex
	pushMu    sync.Mutex
	finished  bool
	closeOnce sync.Once
}

func NewSpeakerStream(buffer int) *SpeakerStream {
	if buffer <= 0 {
		buffer = 64
	}
	return &SpeakerStream{
		chunks: make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Chunks returns audio chunks in emission order. It is closed by Finish.
func (s *SpeakerStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns the error the producer finished with, if any.
func (s *SpeakerStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Push hands a chunk to the consumer. It returns false once the consumer has
// abandoned the stream or the stream has been finished.
func (s *SpeakerStream) Push(chunk []byte) bool {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	if s.finished {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.chunks <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// Finish ends the stream. A non-nil err is reported through Err.
func (s *SpeakerStream) Finish(err error) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	close(s.chunks)
}

// Close is called by the consumer when it stops reading. Pending and future
// pushes are dropped.
func (s *SpeakerStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
