package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relay/api/handlers"
	"github.com/remote-agent-terminal/relay/internal/admission"
	"github.com/remote-agent-terminal/relay/internal/backend"
	"github.com/remote-agent-terminal/relay/internal/config"
	"github.com/remote-agent-terminal/relay/internal/db"
	"github.com/remote-agent-terminal/relay/internal/logger"
	"github.com/remote-agent-terminal/relay/internal/repository"
	"github.com/remote-agent-terminal/relay/internal/session"
	"github.com/remote-agent-terminal/relay/internal/telemetry"
	"github.com/remote-agent-terminal/relay/internal/upstream"
	"github.com/remote-agent-terminal/relay/internal/ws"
)

// serve runs the relay until a signal arrives or the upstream link gives up.
func serve(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.run(ctx, ln)
}

// app is the assembled relay: stores, queues, the upstream link and the
// HTTP surface.
type app struct {
	cfg       config.Config
	log       zerolog.Logger
	database  *sql.DB
	telemetry *telemetry.Provider
	sessions  *session.Manager
	admission *admission.Manager
	relay     *ws.Service
	srv       *http.Server
}

func newApp(cfg config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.database, err = db.Open(cfg.Session.DBPath)
	if err != nil {
		return nil, err
	}

	a.telemetry, err = telemetry.Init(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := telemetry.NewAdmissionMetrics(a.telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("create admission metrics: %w", err)
	}

	a.sessions = session.NewManager(repository.NewSessionRepository(a.database), session.Config{
		TTL: cfg.Session.TTL.D(),
	}, logger.Component(log, "session"))
	if err := a.sessions.StartSweep(cfg.Session.SweepSchedule); err != nil {
		return nil, err
	}

	a.admission = admission.NewManager(admission.Config{
		ConcurrencyLimit: cfg.Admission.ConcurrencyLimit,
		MaxQueueLength:   cfg.Admission.MaxQueueLength,
		ItemTimeout:      cfg.Admission.ItemTimeout.D(),
	}, metrics, logger.Component(log, "admission"))
	if err := a.admission.StartEviction(cfg.Admission.EvictionSchedule, cfg.Admission.IdleEviction.D()); err != nil {
		return nil, err
	}

	a.relay = ws.NewService(upstream.Config{
		URL:             cfg.Upstream.URL,
		BaseDelay:       cfg.Upstream.BaseDelay.D(),
		MaxDelay:        cfg.Upstream.MaxDelay.D(),
		ReconnectWindow: cfg.Upstream.ReconnectWindow.D(),
		Keepalive:       true,
	}, ws.HandlerConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBufferSize: cfg.Relay.SendBufferSize,
		MaxMessageSize: cfg.Relay.MaxMessageBytes,
		ForwardRate:    cfg.Relay.ForwardRate,
		ForwardBurst:   cfg.Relay.ForwardBurst,
	}, nil, logger.Component(log, "relay"))

	taskBackend := backend.New(cfg.Backend.BaseURL, cfg.Backend.RequestTimeout.D(), logger.Component(log, "backend"))

	router := handlers.NewRouter(handlers.Handlers{
		Session: handlers.NewSessionHandler(a.sessions, handlers.SessionConfig{
			CookieName: cfg.Session.CookieName,
			TTL:        cfg.Session.TTL.D(),
		}, log),
		Tasks:     handlers.NewTaskHandler(a.admission, taskBackend, log),
		WebSocket: handlers.NewWebSocketHandler(a.relay.Handler(), log),
		Health:    handlers.NewHealthHandler(a.relay.Link(), a.relay.Hub(), a.admission.QueueCount),
		Admin:     handlers.NewAdminHandler(a.admission, a.telemetry, log),
	}, handlers.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AdminToken:     cfg.Server.AdminToken,
	}, logger.Component(log, "http"))

	a.srv = &http.Server{Handler: router}
	return a, nil
}

// run serves ln and keeps the upstream link alive until ctx is done or the
// link gives up. A non-nil return means the relay stopped on a fatal error.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		if err := a.relay.Run(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		a.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutting down")
	case runErr = <-errCh:
		a.log.WithLevel(zerolog.FatalLevel).Err(runErr).Msg("relay stopping")
	}
	cancel()

	// Browsers learn the relay is gone before queued work is waited on.
	a.relay.Close()
	shutdown(a.log, a.srv, a.admission, a.cfg.Server.ShutdownTimeout.D())
	return runErr
}

// close releases everything newApp acquired. Safe on a partially built app.
func (a *app) close() {
	if a.relay != nil {
		a.relay.Close()
	}
	if a.admission != nil {
		a.admission.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.telemetry != nil {
		a.telemetry.Shutdown(context.Background())
	}
	if a.database != nil {
		a.database.Close()
	}
}

// shutdown stops accepting requests, then waits for admitted work to finish
// within timeout.
func shutdown(log zerolog.Logger, srv *http.Server, adm *admission.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	drained := make(chan error, 1)
	go func() { drained <- adm.Drain(ctx) }()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := <-drained; err != nil {
		log.Warn().Err(err).Msg("admission drain incomplete")
	}
}
