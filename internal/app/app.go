package app

import (
	"context"
	"fmt"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/auth"
	"github.com/vovakirdan/duochat/internal/config"
	"github.com/vovakirdan/duochat/internal/delivery"
	"github.com/vovakirdan/duochat/internal/feed"
	"github.com/vovakirdan/duochat/internal/notify"
	"github.com/vovakirdan/duochat/internal/participants"
	"github.com/vovakirdan/duochat/internal/store"
	"github.com/vovakirdan/duochat/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/duochat/internal/transport/http"
)

// App wires together storage, delivery and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	delivery        *delivery.Service
	bus             notify.Bus
	store           store.Store
	log             *zerolog.Logger

	// baseCtx parents every request, so cancelling it ends hijacked
	// WebSocket connections, which Shutdown does not wait for.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	bus, err := NewBus(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init notifier: %w", err)
	}
	logger.Info().Str("notifier", cfg.Notifier).Msg("change notifier initialized")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := delivery.New(feed.New(st, bus, logger), logger, delivery.Options{
		MaxBodyBytes:       cfg.MaxBodyBytes,
		ResubscribeInitial: cfg.ResubscribeInitialInterval,
		ResubscribeMax:     cfg.ResubscribeMaxInterval,
		Metrics:            delivery.NewMetrics(registry),
	})

	server := transporthttp.NewServer(transporthttp.Deps{
		Delivery:     svc,
		Participants: participants.New(st),
		JWT:          JWTConfig(cfg, 0),
		Gatherer:     registry,
	}, cfg, logger)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	server.BaseContext = func(net.Listener) context.Context { return baseCtx }

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		delivery:        svc,
		bus:             bus,
		store:           st,
		log:             logger,
		baseCtx:         baseCtx,
		cancelBase:      cancelBase,
	}, nil
}

// NewBus builds the change notifier selected by cfg.
func NewBus(cfg *config.Config, logger *zerolog.Logger) (notify.Bus, error) {
	switch cfg.Notifier {
	case config.NotifierNATS:
		bus, err := notify.NewNATSBus(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case config.NotifierMemory, "":
		return notify.NewHub(), nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Notifier)
	}
}

// JWTConfig derives token settings from cfg.
func JWTConfig(cfg *config.Config, ttl time.Duration) *auth.JWTConfig {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      ttl,
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() stdhttp.Handler {
	return a.server.Handler
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("starting duochat server")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.stop()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.stop()
			return err
		}

		a.stop()
		return <-serverErr
	}
}

// Close releases resources without running the server.
func (a *App) Close() {
	a.stop()
}

// stop ends open WebSocket sessions and waits for their views before the
// notifier and store they depend on are closed.
func (a *App) stop() {
	a.cancelBase()

	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if err := a.delivery.Drain(ctx); err != nil {
		a.log.Warn().Err(err).Msg("conversation views did not stop in time")
	}

	a.cleanup()
}

// cleanup closes the notifier, then the database.
func (a *App) cleanup() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close notifier")
		}
		a.bus = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
		a.store = nil
	}
}
