package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-voice/pkg/core/voice"
	"github.com/vango-go/vai-voice/pkg/core/voice/openairt"
	"github.com/vango-go/vai-voice/pkg/gateway/agent"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/journal"
	gatewayserver "github.com/vango-go/vai-voice/pkg/gateway/server"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openJournal  func(context.Context, config.Config) (journal.Store, func(), error)
	newAdapters  func(config.Config) voice.Factory
	newResponder func(context.Context, config.Config) (agent.Responder, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Options) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:   config.LoadFromEnv,
		openJournal:  openJournal,
		newAdapters:  newAdapters,
		newResponder: newResponder,
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// openJournal uses Postgres when DATABASE_URL is set and memory otherwise.
func openJournal(ctx context.Context, cfg config.Config) (journal.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return journal.NewMemoryStore(), func() {}, nil
	}
	store, err := journal.OpenPostgres(ctx, cfg.DatabaseURL, cfg.DBMigrate)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Shutdown, nil
}

func newAdapters(cfg config.Config) voice.Factory {
	if cfg.OpenAIAPIKey == "" {
		return nil
	}
	return openairt.Factory(openairt.Config{
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.RealtimeModel,
		Speaker:      cfg.RealtimeSpeaker,
		Instructions: cfg.RealtimeInstructions,
		URL:          cfg.RealtimeURL,
	})
}

func newResponder(ctx context.Context, cfg config.Config) (agent.Responder, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, nil
	}
	r, err := agent.NewGemini(ctx, cfg.GeminiAPIKey, cfg.AgentModel)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(w io.Writer, format string) *slog.Logger {
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func runGateway(ctx context.Context, stderr io.Writer, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openJournal == nil || deps.newAdapters == nil || deps.newResponder == nil {
		return errors.New("missing backend dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogFormat)
	slog.SetDefault(logger)

	store, closeJournal, err := deps.openJournal(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer closeJournal()

	responder, err := deps.newResponder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}
	adapters := deps.newAdapters(cfg)
	if adapters == nil {
		logger.Warn("OPENAI_API_KEY is not set; voice sessions are disabled")
	}

	gw := deps.newGateway(cfg, logger, gatewayserver.Options{
		Adapters:  adapters,
		Responder: responder,
		Journal:   store,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting voice gateway", "addr", cfg.Addr, "ws_path", cfg.WSPath, "postgres_journal", cfg.DatabaseURL != "")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	warned := gw.WarnVoiceSessionsDraining()
	logger.Info("draining voice sessions", "warned", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitVoiceSessions(waitCtx) {
		for _, info := range gw.VoiceSessions() {
			logger.Warn("canceling voice session", "session_id", info.ID, "state", info.State, "remote_addr", info.RemoteAddr, "age", info.Age.Round(time.Second))
		}
		gw.CancelVoiceSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice gateway stopped")
	return nil
}

// loadDotEnv reads .env when present. Variables already set win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "voice-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "voice-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
