// Package app wires the Huddle runtime: config, logging, HTTP routes, the
// realtime gateway, and the cleanup sweeper.
package app

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"huddle/internal/api"
	"huddle/internal/realtime"
	"huddle/internal/session"
	"huddle/internal/token"
)

// App owns the HTTP server and the coordinator's long-lived components.
type App struct {
	cfg Config
	log *slog.Logger

	reg     *session.Registry
	sweeper *session.Sweeper
	ws      *realtime.Gateway
	api     *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		log.Warn("token.secret.ephemeral", "note", "HUDDLE_TOKEN_SECRET not set; tokens will not survive a restart")
	}

	tokens, err := token.NewIssuer(secret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	reg := session.NewRegistry(log, session.Limits{
		MaxMembers:      cfg.MaxMembers,
		MaxMessageChars: cfg.MaxMessageChars,
		MaxNameChars:    cfg.MaxNameChars,
		EmptyGrace:      cfg.EmptyGrace,
		MaxAge:          cfg.MaxSessionAge,
		EndDelay:        cfg.EndDelay,
		CodeAttempts:    cfg.CodeAttempts,
	})

	ws := realtime.NewGateway(log, reg, tokens, realtime.Config{
		WriteTimeout:     cfg.WSWriteTimeout,
		ReadIdleTimeout:  cfg.WSReadIdleTimeout,
		SendQueueSize:    cfg.WSSendQueue,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
		OriginPatterns:   cfg.WSOriginPatterns,
	})

	return &App{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		sweeper: session.NewSweeper(log, reg, cfg.SweepInterval),
		ws:      ws,
		api:     api.NewHandler(log, reg, tokens),
	}, nil
}

// Run starts the sweeper and the HTTP server and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	a.api.Register(mux)
	mux.Handle("/ws", a.ws)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweeper.Run(sweepCtx)

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}
