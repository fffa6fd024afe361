package voice

import (
	"sort"
	"sync"
)

// Emitter implements EventSource for adapters. Embed it and call the Emit
// methods from the adapter's read loop. Handlers run on the emitting goroutine
// in registration order.
type Emitter struct {
	mu       sync.Mutex
	nextID   uint64
	speaker  map[uint64]func(*SpeakerStream)
	speaking map[uint64]func(SpeakingEvent)
	writing  map[uint64]func(WritingEvent)
	errs     map[uint64]func(ErrorEvent)
}

func (e *Emitter) OnSpeaker(fn func(*SpeakerStream)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speaker == nil {
		e.speaker = make(map[uint64]func(*SpeakerStream))
	}
	id := e.allocLocked()
	e.speaker[id] = fn
	return e.detach(func() { delete(e.speaker, id) })
}

func (e *Emitter) OnSpeaking(fn func(SpeakingEvent)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.speaking == nil {
		e.speaking = make(map[uint64]func(SpeakingEvent))
	}
	id := e.allocLocked()
	e.speaking[id] = fn
	return e.detach(func() { delete(e.speaking, id) })
}

func (e *Emitter) OnWriting(fn func(WritingEvent)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writing == nil {
		e.writing = make(map[uint64]func(WritingEvent))
	}
	id := e.allocLocked()
	e.writing[id] = fn
	return e.detach(func() { delete(e.writing, id) })
}

func (e *Emitter) OnError(fn func(ErrorEvent)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.errs == nil {
		e.errs = make(map[uint64]func(ErrorEvent))
	}
	id := e.allocLocked()
	e.errs[id] = fn
	return e.detach(func() { delete(e.errs, id) })
}

// EmitSpeaker hands s to every speaker handler. It reports whether any
// handler was attached; callers should Close the stream when none was.
func (e *Emitter) EmitSpeaker(s *SpeakerStream) bool {
	handlers := snapshot(&e.mu, e.speakerMap)
	for _, fn := range handlers {
		fn(s)
	}
	return len(handlers) > 0
}

func (e *Emitter) EmitSpeaking(ev SpeakingEvent) {
	for _, fn := range snapshot(&e.mu, e.speakingMap) {
		fn(ev)
	}
}

func (e *Emitter) EmitWriting(ev WritingEvent) {
	for _, fn := range snapshot(&e.mu, e.writingMap) {
		fn(ev)
	}
}

func (e *Emitter) EmitError(ev ErrorEvent) {
	for _, fn := range snapshot(&e.mu, e.errorMap) {
		fn(ev)
	}
}

// Listeners returns the number of attached handlers across all events.
func (e *Emitter) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.speaker) + len(e.speaking) + len(e.writing) + len(e.errs)
}

func (e *Emitter) speakerMap() map[uint64]func(*SpeakerStream) { return e.speaker }
func (e *Emitter) speakingMap() map[uint64]func(SpeakingEvent)  { return e.speaking }
func (e *Emitter) writingMap() map[uint64]func(WritingEvent)    { return e.writing }
func (e *Emitter) errorMap() map[uint64]func(ErrorEvent)        { return e.errs }

func (e *Emitter) allocLocked() uint64 {
	e.nextID++
	return e.nextID
}

func (e *Emitter) detach(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			remove()
			e.mu.Unlock()
		})
	}
}

func snapshot[F any](mu *sync.Mutex, get func() map[uint64]F) []F {
	mu.Lock()
	defer mu.Unlock()
	m := get()
	if len(m) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
