// Package app wires the store, services, and transport together and runs
// the HTTP server with graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/crossbus/crossbus/common/crypto"
	"github.com/crossbus/crossbus/common/version"
	"github.com/crossbus/crossbus/internal/audit"
	"github.com/crossbus/crossbus/internal/auth"
	"github.com/crossbus/crossbus/internal/dispatch"
	"github.com/crossbus/crossbus/internal/oauth"
	"github.com/crossbus/crossbus/internal/ratelimit"
	"github.com/crossbus/crossbus/internal/relay"
	"github.com/crossbus/crossbus/internal/session"
	"github.com/crossbus/crossbus/internal/sideeffect"
	"github.com/crossbus/crossbus/internal/store"
	"github.com/crossbus/crossbus/internal/transport"
)

// App is the assembled process.
type App struct {
	cfg     *Config
	store   *store.Store
	effects *sideeffect.Queue
	server  *http.Server
}

// New builds the full object graph from cfg.
func New(cfg *Config) (*App, error) {
	configureLogging(cfg)

	st, err := store.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	var verifier auth.IdentityVerifier
	if cfg.Identity.HMACSecret != "" {
		verifier = auth.NewHMACVerifier([]byte(cfg.Identity.HMACSecret), cfg.Identity.Issuer)
	} else {
		slog.Warn("app: no identity secret configured, identity-token auth disabled")
	}

	var payloadKey []byte
	if cfg.Payload.Secret != "" {
		payloadKey = crypto.DeriveKey(cfg.Payload.Secret, crypto.PayloadSalt)
	} else {
		slog.Warn("app: no payload secret configured, relay payloads stored in plaintext")
	}

	effects := sideeffect.NewQueue(nil, cfg.SideEffects.Workers, cfg.SideEffects.Depth)

	var groups *relay.GroupRegistry
	if len(cfg.Groups) > 0 {
		groups = relay.NewGroupRegistry(cfg.Groups)
	} else {
		groups = relay.NewGroupRegistry(nil)
	}

	srv := transport.NewServer(transport.Config{
		Store:     st,
		Validator: auth.NewValidator(st, verifier),
		Dispatch:  dispatch.New(st),
		Relay:     relay.New(st, groups, effects, payloadKey),
		Sessions:  session.New(st),
		OAuth:     oauth.New(st, verifier, cfg.ExternalURL),
		Audit:     audit.NewRecorder(st),
		Limiter:   ratelimit.NewSlidingWindow(cfg.Limits.ToolWindow),
		AuthFail:  ratelimit.NewAuthFailWindow(cfg.Limits.AuthFailPerMinute, time.Minute),
	})

	return &App{
		cfg:     cfg,
		store:   st,
		effects: effects,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled, then drains connections and the
// side-effect queue.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("app: listening", "addr", a.cfg.Listen, "version", version.Version)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.close()
		return err
	case <-ctx.Done():
	}

	slog.Info("app: shutting down", "grace", a.cfg.Shutdown.Grace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Grace)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("app: forced shutdown", "err", err)
	}

	a.close()
	return nil
}

func (a *App) close() {
	a.effects.Stop()
	if err := a.store.Close(); err != nil {
		slog.Warn("app: failed to close store", "err", err)
	}
}

func configureLogging(cfg *Config) {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
