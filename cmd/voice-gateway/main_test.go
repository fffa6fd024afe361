package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/voice"
	"github.com/vango-go/vai-voice/pkg/gateway/agent"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/journal"
	gatewayserver "github.com/vango-go/vai-voice/pkg/gateway/server"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                 "127.0.0.1:0",
		LogFormat:            config.LogFormatText,
		CORSAllowedOrigins:   map[string]struct{}{},
		ReadHeaderTimeout:    time.Second,
		ShutdownGracePeriod:  time.Second,
		UpstreamTimeout:      time.Second,
		WSPath:               "/api/voice-session",
		WSMaxMessageBytes:    1 << 20,
		WSPingInterval:       time.Second,
		WSWriteTimeout:       time.Second,
		WSMaxSessionDuration: time.Minute,
		OutboundQueueSize:    32,
		FatalErrorPolicy:     config.FatalErrorPolicyReport,
		RealtimeURL:          "wss://example.invalid/v1/realtime",
		GitHubAPIBaseURL:     "https://api.github.invalid",
		GitHubOAuthBaseURL:   "https://github.invalid",
	}
}

func stubDeps(cfg config.Config) gatewayDeps {
	deps := defaultGatewayDeps()
	deps.loadConfig = func() (config.Config, error) { return cfg, nil }
	deps.openJournal = func(context.Context, config.Config) (journal.Store, func(), error) {
		return journal.NewMemoryStore(), func() {}, nil
	}
	deps.newAdapters = func(config.Config) voice.Factory { return nil }
	deps.newResponder = func(context.Context, config.Config) (agent.Responder, error) { return nil, nil }
	deps.signalNotify = func(c chan<- os.Signal, sig ...os.Signal) {}
	deps.signalStop = func(c chan<- os.Signal) {}
	return deps
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	deps := stubDeps(testConfig())
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	deps.newGateway = func(config.Config, *slog.Logger, gatewayserver.Options) *gatewayserver.Server {
		t.Errorf("newGateway should not be called when config load fails")
		return nil
	}

	if exitCode := runMain(context.Background(), &stderr, deps); exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q, want startup error", got)
	}
}

func TestRunGateway_JournalFailureIsFatal(t *testing.T) {
	t.Parallel()

	deps := stubDeps(testConfig())
	deps.openJournal = func(context.Context, config.Config) (journal.Store, func(), error) {
		return nil, nil, errors.New("connection refused")
	}
	err := runGateway(context.Background(), io.Discard, deps)
	if err == nil || !strings.Contains(err.Error(), "open journal") {
		t.Fatalf("err=%v, want journal error", err)
	}
}

func TestRunGateway_MissingDependency(t *testing.T) {
	t.Parallel()

	deps := stubDeps(testConfig())
	deps.newGateway = nil
	if err := runGateway(context.Background(), io.Discard, deps); err == nil {
		t.Fatalf("expected missing dependency error")
	}
}

func TestRunGateway_SignalShutsDownCleanly(t *testing.T) {
	t.Parallel()

	deps := stubDeps(testConfig())
	var stopped bool
	deps.signalNotify = func(c chan<- os.Signal, sig ...os.Signal) {
		c <- syscall.SIGTERM
	}
	deps.signalStop = func(chan<- os.Signal) { stopped = true }

	var logs bytes.Buffer
	if err := runGateway(context.Background(), &logs, deps); err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if !stopped {
		t.Fatalf("expected signal handler to be stopped")
	}
	if !strings.Contains(logs.String(), "voice gateway stopped") {
		t.Fatalf("logs=%q", logs.String())
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestNewAdapters_DisabledWithoutKey(t *testing.T) {
	t.Parallel()

	if f := newAdapters(config.Config{}); f != nil {
		t.Fatalf("expected nil factory without OPENAI_API_KEY")
	}
	if f := newAdapters(config.Config{OpenAIAPIKey: "sk-test"}); f == nil {
		t.Fatalf("expected factory with OPENAI_API_KEY")
	}
}

func TestNewResponder_DisabledWithoutKey(t *testing.T) {
	t.Parallel()

	r, err := newResponder(context.Background(), config.Config{})
	if err != nil || r != nil {
		t.Fatalf("responder=%v err=%v, want nil,nil", r, err)
	}
}

func TestOpenJournal_MemoryWithoutDatabaseURL(t *testing.T) {
	t.Parallel()

	store, closeFn, err := openJournal(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*journal.MemoryStore); !ok {
		t.Fatalf("store=%T, want *journal.MemoryStore", store)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VOICE_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("VOICE_TEST_DOTENV", "")
	os.Unsetenv("VOICE_TEST_DOTENV")
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("VOICE_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("VOICE_TEST_DOTENV=%q", got)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := gatewayserver.New(testConfig(), logger, gatewayserver.Options{})

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}
