// Package main is the entry point for the bulk email dispatch service.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/m3r33/izues/internal/api"
	"github.com/m3r33/izues/internal/backlog"
	"github.com/m3r33/izues/internal/config"
	"github.com/m3r33/izues/internal/dispatch"
	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/relay"
	"github.com/m3r33/izues/internal/relay/graph"
	"github.com/m3r33/izues/internal/relay/ses"
	"github.com/m3r33/izues/internal/relay/smtp"
	"github.com/m3r33/izues/internal/relay/stdout"
	"github.com/m3r33/izues/internal/retry"
	ctls "github.com/m3r33/izues/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	tlsConfig, tlsMode, err := serverTLS(cfg)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	registry := newRegistry(cfg)
	store := backlog.NewFileStore(cfg.Backlog.Path)
	engine := dispatch.NewEngine(store, registry, dispatch.Options{
		Quota:          cfg.Dispatch.Quota,
		ConnectTimeout: cfg.Dispatch.ConnectTimeout,
		SendTimeout:    cfg.Dispatch.SendTimeout,
		MaxParallel:    cfg.Dispatch.MaxParallel,
		Logger:         slog.Default(),
	})

	server := api.New(api.ServerConfig{
		ListenAddr:    cfg.HTTP.Listen,
		TLSConfig:     tlsConfig,
		VerifyTimeout: cfg.HTTP.VerifyTimeout,
	}, engine, registry)

	slog.Info("starting smtp-blast",
		"listen", cfg.HTTP.Listen,
		"tls_mode", tlsMode,
		"relay_kinds", registry.Kinds(),
		"quota", cfg.Dispatch.Quota,
		"backlog", store.Path(),
		"retry_enabled", cfg.RetryEnabled(),
	)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		return server.ListenAndServe(ctx)
	})

	if cfg.RetryEnabled() {
		scheduler, err := newRetryScheduler(cfg, engine)
		if err != nil {
			slog.Error("failed to create retry scheduler", "error", err)
			os.Exit(1)
		}
		if err := scheduler.Start(ctx); err != nil {
			slog.Error("failed to start retry scheduler", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			<-ctx.Done()
			scheduler.Stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("smtp-blast stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// serverTLS returns the API server's TLS configuration, or nil when TLS is
// disabled. Without certificate files a self-signed certificate is used.
func serverTLS(cfg *config.Config) (*tls.Config, string, error) {
	if !cfg.HTTP.EnableTLS {
		return nil, "disabled", nil
	}
	tlsConfig, err := ctls.ServerConfig(cfg.HTTP.CertFile, cfg.HTTP.KeyFile)
	if err != nil {
		return nil, "", err
	}
	if cfg.HTTP.CertFile != "" {
		return tlsConfig, "file", nil
	}
	return tlsConfig, "self-signed", nil
}

// newRegistry registers every relay kind. Requests pick one per relay with
// the "kind" field; SMTP is the default.
func newRegistry(cfg *config.Config) *relay.Registry {
	return relay.NewRegistry(
		smtp.New(smtp.Options{
			HeloName:           cfg.Dispatch.HeloName,
			InsecureSkipVerify: cfg.Dispatch.InsecureSkipVerify,
			CommandTimeout:     cfg.Dispatch.SendTimeout,
		}),
		ses.New(),
		graph.New(),
		stdout.New(),
	)
}

func newRetryScheduler(cfg *config.Config, engine *dispatch.Engine) (*retry.Scheduler, error) {
	return retry.New(retry.Config{
		Schedule: cfg.Retry.Schedule,
		Timeout:  cfg.Retry.Timeout,
		Message: message.Message{
			From:     cfg.Retry.From,
			Subject:  cfg.Retry.Subject,
			HTMLBody: cfg.Retry.Message,
		},
		Relays: cfg.Retry.Relays,
	}, engine, slog.Default())
}
