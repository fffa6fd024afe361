package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-voice/pkg/client/bridge"
)

const defaultURL = "ws://localhost:8080/api/voice-session"

type clientConfig struct {
	URL        string
	Origin     string
	Cookie     string
	FFmpegPath string
	FFplayPath string
	NoMic      bool
	NoSpeaker  bool
	BargeInRMS float64
}

func parseClientConfig(args []string, getenv func(string) string) (clientConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := clientConfig{}
	fs := flag.NewFlagSet("voice-client", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	url := strings.TrimSpace(getenv("VOICE_GATEWAY_URL"))
	if url == "" {
		url = defaultURL
	}
	fs.StringVar(&cfg.URL, "url", url, "voice session websocket URL (or VOICE_GATEWAY_URL)")
	fs.StringVar(&cfg.Origin, "origin", "", "optional Origin header")
	fs.StringVar(&cfg.Cookie, "cookie", strings.TrimSpace(getenv("VOICE_GATEWAY_COOKIE")), "optional Cookie header (or VOICE_GATEWAY_COOKIE)")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", "ffmpeg", "ffmpeg binary used for mic capture")
	fs.StringVar(&cfg.FFplayPath, "ffplay", "ffplay", "ffplay binary used for playback")
	fs.BoolVar(&cfg.NoMic, "no-mic", false, "do not capture the microphone")
	fs.BoolVar(&cfg.NoSpeaker, "no-speaker", false, "print events without playing audio")
	fs.Float64Var(&cfg.BargeInRMS, "barge-in", 0.05, "mic RMS level that cuts assistant playback (0 disables)")

	if err := fs.Parse(args); err != nil {
		return clientConfig{}, err
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return clientConfig{}, fmt.Errorf("url must start with ws:// or wss://, got %q", cfg.URL)
	}
	if cfg.BargeInRMS < 0 || cfg.BargeInRMS > 1 {
		return clientConfig{}, fmt.Errorf("barge-in must be within [0,1], got %v", cfg.BargeInRMS)
	}
	return cfg, nil
}

func (c clientConfig) header() http.Header {
	h := http.Header{}
	if c.Origin != "" {
		h.Set("Origin", c.Origin)
	}
	if c.Cookie != "" {
		h.Set("Cookie", c.Cookie)
	}
	return h
}

// command is one stdin line. Anything that is not a slash command is sent
// as user text.
type command struct {
	kind string
	text string
}

func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false
	}
	switch strings.ToLower(line) {
	case "/start", "/stop", "/answer", "/quit":
		return command{kind: strings.TrimPrefix(strings.ToLower(line), "/")}, true
	}
	return command{kind: "text", text: line}, true
}

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func runClient(ctx context.Context, cfg clientConfig, stdin io.Reader, stdout, stderr io.Writer) error {
	out := &printer{out: stdout}

	client, err := bridge.Dial(ctx, cfg.URL, cfg.header())
	if err != nil {
		return err
	}
	defer client.Close()

	var playback *pacer
	if !cfg.NoSpeaker {
		speaker, err := newFFplaySpeaker(cfg.FFplayPath)
		if err != nil {
			return err
		}
		defer speaker.Close()
		playback = newPacer(speaker)
		defer playback.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var streaming atomic.Bool
	var wg sync.WaitGroup
	var mic *ffmpegMicCapture

	if !cfg.NoMic {
		mic, err = newFFmpegMicCapture(cfg.FFmpegPath)
		if err != nil {
			return err
		}
		defer mic.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, micChunkBytes)
			monitor := &micMonitor{bargeInRMS: cfg.BargeInRMS}
			for runCtx.Err() == nil {
				samples, readErr := mic.ReadSamples(buf)
				if len(samples) > 0 {
					interrupt, warnClip := monitor.observe(samples, playback != nil && playback.Playing())
					if interrupt {
						playback.Reset()
					}
					if warnClip {
						fmt.Fprintln(stderr, "mic input is clipping; lower the input gain")
					}
				}
				if len(samples) > 0 && streaming.Load() {
					if err := client.SendAudio(samples); err != nil {
						if !errors.Is(err, bridge.ErrClosed) {
							fmt.Fprintf(stderr, "mic send error: %v\n", err)
						}
						return
					}
				}
				if readErr != nil {
					if runCtx.Err() == nil && !errors.Is(readErr, io.EOF) {
						fmt.Fprintf(stderr, "mic read error: %v\n", readErr)
					}
					return
				}
			}
		}()
	}

	handler := bridge.Handlers{
		OnReady: func() {
			if playback != nil {
				playback.Reset()
			}
			out.printf("[ready] speak, type a message, or /answer /stop /quit\n")
		},
		OnText: func(role, text string) {
			out.printf("[%s] %s\n", role, text)
		},
		OnAudio: func(pcm []byte) {
			if playback != nil {
				playback.Enqueue(pcm)
			}
		},
		OnError: func(msg string) {
			out.printf("[error] %s\n", msg)
		},
		OnClosed: func() {
			streaming.Store(false)
			out.printf("[closed]\n")
		},
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- client.Run(runCtx, handler)
	}()

	if err := client.Start(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	streaming.Store(true)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

	var runErr error
loop:
	for {
		select {
		case runErr = <-runErrCh:
			break loop
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				// stdin closed: end the session politely and wait for closed.
				_ = client.Stop()
				lines = nil
				continue
			}
			cmd, ok := parseCommand(line)
			if !ok {
				continue
			}
			var err error
			switch cmd.kind {
			case "start":
				if playback != nil {
					playback.Reset()
				}
				err = client.Start()
				streaming.Store(err == nil)
			case "stop":
				streaming.Store(false)
				err = client.Stop()
			case "answer":
				err = client.Answer()
			case "quit":
				streaming.Store(false)
				_ = client.Stop()
				break loop
			default:
				err = client.SendText(cmd.text)
			}
			if err != nil {
				fmt.Fprintf(stderr, "send error: %v\n", err)
			}
		}
	}

	cancel()
	_ = client.Close()
	// The mic reader only returns once ffmpeg is gone.
	_ = mic.Close()
	wg.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, bridge.ErrClosed) {
		return runErr
	}
	return nil
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "voice-client: %v\n", err)
		return 1
	}

	cfg, err := parseClientConfig(args, os.Getenv)
	if err != nil {
		fmt.Fprintf(stderr, "voice-client: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runClient(ctx, cfg, stdin, stdout, stderr); err != nil {
		fmt.Fprintf(stderr, "voice-client: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
