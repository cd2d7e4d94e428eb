// Command dispatcher runs the central dispatch process for a two-node
// medication-dispensing cell: it claims pending queues, publishes them to
// both actuator nodes, joins their completion reports, and tracks node
// readiness.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clinicflow/dispatch/internal/api"
	"github.com/clinicflow/dispatch/internal/archive"
	"github.com/clinicflow/dispatch/internal/auditlog"
	"github.com/clinicflow/dispatch/internal/broker"
	"github.com/clinicflow/dispatch/internal/config"
	"github.com/clinicflow/dispatch/internal/dispatch"
	"github.com/clinicflow/dispatch/internal/join"
	"github.com/clinicflow/dispatch/internal/readiness"
	"github.com/clinicflow/dispatch/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatcher: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("dispatcher exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	auditLogger, err := auditlog.Open(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLogger.Close()

	var archiveSink *archive.Store
	if cfg.Archive.DSN != "" {
		archiveSink, err = archive.Open(ctx, cfg.Archive.DSN, cfg.Archive.BatchSize, cfg.Archive.FlushInterval, log)
		if err != nil {
			return fmt.Errorf("open archive sink: %w", err)
		}
		defer archiveSink.Close()
	}

	tracker := readiness.NewTracker(st, cfg.Readiness.MaxAge, cfg.Readiness.Debounce)

	var archiveForJoiner join.ArchiveSink
	if archiveSink != nil {
		archiveForJoiner = archiveSink
	}
	joiner := join.NewJoiner(st, auditLogger, archiveForJoiner, log)

	// The Dispatcher is constructed with a no-op publisher first because
	// the broker client's message callback needs a Router that closes
	// over the Dispatcher as its DispatchTrigger; once the client is up,
	// SetPublisher swaps in the real one.
	dispatcher := dispatch.NewDispatcher(st, tracker, broker.NewNoopPublisher(log), log)
	router := broker.NewRouter(st, joiner, tracker, dispatcher, log)

	client, err := broker.NewClient(ctx, cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.ClientID, log, func(topic string, payload []byte) {
		if err := router.HandleMessage(ctx, topic, payload); err != nil {
			log.Error("handle message failed", "topic", topic, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer client.Disconnect()
	dispatcher.SetPublisher(client)

	watchdogCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()
	go dispatcher.RunWatchdog(watchdogCtx, cfg.WatchdogInterval)

	// Give the broker client a moment to finish subscribing and nodes a
	// moment to publish retained state, then take one initial swing at
	// dispatch in case both were already ready before the router existed.
	time.AfterFunc(3*time.Second, func() { dispatcher.Dispatch(ctx) })

	jwtPublicKey, err := loadJWTPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		return fmt.Errorf("load jwt public key: %w", err)
	}

	apiHandler := api.NewHandler(st, dispatcher, log)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewRouter(apiHandler, jwtPublicKey),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", "error", err)
	}

	return nil
}

// loadJWTPublicKey reads and parses an RSA public key in PEM format from
// path. An empty path disables authentication and returns a nil key.
func loadJWTPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return key, nil
}
