package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/vango-go/vai-voice/pkg/client/bridge"
	"github.com/vango-go/vai-voice/pkg/core/audio"
)

const (
	sampleRateHz    = bridge.SampleRateHz
	f32BytesPerSamp = 4
	// 20ms of f32le mono per mic read.
	micChunkBytes = sampleRateHz / 50 * f32BytesPerSamp
	// Chunks are handed to ffplay this far ahead of their slot.
	playbackLead = 40 * time.Millisecond
)

type ffmpegMicCapture struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	closeOnce sync.Once
}

func newFFmpegMicCapture(path string) (*ffmpegMicCapture, error) {
	if _, err := exec.LookPath(path); err != nil {
		return nil, errors.New("ffmpeg is required for mic capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micFFmpegArgs(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &ffmpegMicCapture{cmd: cmd, stdout: stdout}, nil
}

func micFFmpegArgs(goos string) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", ":0"}
	case "linux":
		input = []string{"-f", "pulse", "-i", "default"}
	default:
		return nil, fmt.Errorf("mic capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args,
		"-ac", "1", "-ar", fmt.Sprintf("%d", sampleRateHz),
		"-f", "f32le", "-",
	), nil
}

// ReadSamples blocks for one chunk of float samples.
func (m *ffmpegMicCapture) ReadSamples(buf []byte) ([]float32, error) {
	if m == nil || m.stdout == nil {
		return nil, io.EOF
	}
	n, err := io.ReadFull(m.stdout, buf)
	return decodeF32LE(buf[:n]), err
}

func (m *ffmpegMicCapture) Close() error {
	if m == nil || m.cmd == nil || m.cmd.Process == nil {
		return nil
	}
	m.closeOnce.Do(func() {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	})
	return nil
}

func decodeF32LE(b []byte) []float32 {
	out := make([]float32, len(b)/f32BytesPerSamp)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func encodeF32LE(samples []float32) []byte {
	out := make([]byte, len(samples)*f32BytesPerSamp)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

type ffplaySpeaker struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFplaySpeaker(path string) (*ffplaySpeaker, error) {
	if _, err := exec.LookPath(path); err != nil {
		return nil, errors.New("ffplay is required for playback (install ffmpeg and ensure ffplay is in PATH)")
	}
	// ffplay does not accept ffmpeg-style `-ac`; use `-ch_layout mono`.
	cmd := exec.Command(path,
		"-hide_banner", "-loglevel", "error", "-nostats", "-nodisp",
		"-f", "f32le", "-ch_layout", "mono", "-ar", fmt.Sprintf("%d", sampleRateHz),
		"-i", "-",
	)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL can pick a silent dummy backend on macOS.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start ffplay: %w", err)
	}
	return &ffplaySpeaker{cmd: cmd, stdin: stdin}, nil
}

func (s *ffplaySpeaker) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *ffplaySpeaker) Close() error {
	if s == nil {
		return nil
	}
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// micMonitor watches captured levels. Speech over the assistant cuts local
// playback, and sustained full-scale input is reported once.
type micMonitor struct {
	bargeInRMS float64
	clipped    int
	warned     bool
}

const clipChunks = 25

// observe returns whether playback should be interrupted and whether the
// clipping warning should be printed now.
func (m *micMonitor) observe(samples []float32, playing bool) (interrupt, warnClip bool) {
	pcm := audio.FloatToPCM16(samples)
	if m.bargeInRMS > 0 && playing && audio.RMS(pcm) >= m.bargeInRMS {
		interrupt = true
	}
	if audio.Peak(pcm) >= 0.999 {
		m.clipped++
	} else {
		m.clipped = 0
	}
	if m.clipped >= clipChunks && !m.warned {
		m.warned = true
		warnClip = true
	}
	return interrupt, warnClip
}

type scheduledChunk struct {
	gen   uint64
	start time.Duration
	data  []byte
}

// pacer converts server PCM16 into f32le and feeds it to out no earlier
// than its scheduled slot, so chunks play back to back without gaps.
type pacer struct {
	out      io.Writer
	schedule *bridge.PlaybackSchedule
	epoch    time.Time
	sleep    func(time.Duration)

	mu   sync.Mutex
	gen  uint64
	q    chan scheduledChunk
	done chan struct{}
	once sync.Once
}

func newPacer(out io.Writer) *pacer {
	p := &pacer{
		out:      out,
		schedule: &bridge.PlaybackSchedule{},
		epoch:    time.Now(),
		sleep:    time.Sleep,
		q:        make(chan scheduledChunk, 256),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pacer) now() time.Duration { return time.Since(p.epoch) }

// Enqueue schedules one PCM16 chunk. It drops audio when the queue is full.
func (p *pacer) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	d := audio.Duration(len(pcm), sampleRateHz)
	p.mu.Lock()
	chunk := scheduledChunk{
		gen:   p.gen,
		start: p.schedule.Schedule(p.now(), d),
		data:  encodeF32LE(audio.PCM16ToFloat(pcm)),
	}
	p.mu.Unlock()
	select {
	case p.q <- chunk:
	case <-p.done:
	default:
	}
}

// Reset starts a new audio context; queued chunks from the old one are dropped.
func (p *pacer) Reset() {
	p.mu.Lock()
	p.gen++
	p.schedule.Reset()
	p.mu.Unlock()
}

// Playing reports whether scheduled audio is still ahead of the clock.
func (p *pacer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.schedule.Cursor() > p.now()
}

func (p *pacer) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}

func (p *pacer) run() {
	for {
		select {
		case <-p.done:
			return
		case c := <-p.q:
			if !p.current(c.gen) {
				continue
			}
			if wait := c.start - playbackLead - p.now(); wait > 0 {
				p.sleep(wait)
			}
			if !p.current(c.gen) {
				continue
			}
			if _, err := p.out.Write(c.data); err != nil {
				return
			}
		}
	}
}

func (p *pacer) Close() {
	p.once.Do(func() { close(p.done) })
}
