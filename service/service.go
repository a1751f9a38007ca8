package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/timzifer/dbconn/broker"
	"github.com/timzifer/dbconn/config"
	"github.com/timzifer/dbconn/database"
	"github.com/timzifer/dbconn/events"
	"github.com/timzifer/dbconn/internal/logging"
	"github.com/timzifer/dbconn/storage"
	_ "github.com/timzifer/dbconn/storage/mem"
	"github.com/timzifer/dbconn/telemetry"
	"github.com/timzifer/dbconn/transferlog"
)

// Service wires the database registry, the connection broker, its
// observers and the HTTP surface built from one configuration. The
// registry is built once in New, before any request is served.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	registry  database.Registry
	notifier  *events.Notifier
	broker    *broker.Manager
	transfer  *transferlog.Log
	telemetry telemetry.Collector
	handler   http.Handler

	closeOnce sync.Once
	closeErr  error
}

// Option customises the dependencies of a service.
type Option func(*dependencies)

type dependencies struct {
	schemes     *storage.Schemes
	collector   telemetry.Collector
	gatherer    prometheus.Gatherer
	subscribers []events.Subscriber
}

func newDependencies() dependencies {
	return dependencies{}
}

func applyOptions(deps dependencies, opts []Option) dependencies {
	for _, opt := range opts {
		if opt != nil {
			opt(&deps)
		}
	}
	return deps
}

// WithSchemes resolves database uris through schemes instead of the
// process wide scheme registry.
func WithSchemes(schemes *storage.Schemes) Option {
	return func(deps *dependencies) {
		if deps == nil {
			return
		}
		deps.schemes = schemes
	}
}

// WithCollector installs a telemetry collector. gatherer, when set, is
// exposed on the metrics endpoint.
func WithCollector(collector telemetry.Collector, gatherer prometheus.Gatherer) Option {
	return func(deps *dependencies) {
		if deps == nil {
			return
		}
		deps.collector = collector
		deps.gatherer = gatherer
	}
}

// WithSubscriber appends a lifecycle event subscriber. Subscribers run after
// the built-in transfer log and telemetry subscribers.
func WithSubscriber(sub events.Subscriber) Option {
	return func(deps *dependencies) {
		if deps == nil || sub == nil {
			return
		}
		deps.subscribers = append(deps.subscribers, sub)
	}
}

// New builds a service from configuration and dependencies.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	deps := applyOptions(newDependencies(), opts)

	registry, err := buildRegistry(cfg, deps.schemes)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		notifier:  events.NewNotifier(),
		telemetry: telemetry.Noop(),
	}
	cleanupOnErr := func(err error) (*Service, error) {
		_ = svc.Close()
		return nil, err
	}

	if cfg.TransferLog.Enabled {
		transfer, err := transferlog.Open(cfg.TransferLog.Sink, transferlog.Options{
			Threshold: cfg.TransferLog.ThresholdDuration(),
			Filter:    cfg.TransferLog.Filter,
		})
		if err != nil {
			return cleanupOnErr(err)
		}
		svc.transfer = transfer
		svc.notifier.Subscribe(transfer)
	}

	gatherer := deps.gatherer
	switch {
	case deps.collector != nil:
		svc.telemetry = deps.collector
	case cfg.Telemetry.Enabled:
		collector, err := newTelemetryCollector(cfg.Telemetry)
		if err != nil {
			return cleanupOnErr(err)
		}
		svc.telemetry = collector
		gatherer = prometheus.DefaultGatherer
	}
	svc.notifier.Subscribe(telemetry.Subscriber(svc.telemetry))
	for _, sub := range deps.subscribers {
		svc.notifier.Subscribe(sub)
	}

	svc.broker = broker.New(registry,
		broker.WithNotifier(svc.notifier),
		broker.WithLogger(logger),
		broker.WithCollector(svc.telemetry),
	)

	mux := http.NewServeMux()
	svc.routes(mux)
	if gatherer != nil {
		mux.Handle(cfg.Telemetry.MetricsPath(), promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	svc.handler = svc.broker.Middleware(mux)

	logger.Info().
		Strs("databases", displayNames(registry.Names())).
		Bool("transfer_log", svc.transfer != nil).
		Msg("database registry ready")
	return svc, nil
}

func buildRegistry(cfg *config.Config, schemes *storage.Schemes) (database.Registry, error) {
	layout, err := cfg.Databases.Layout()
	if err != nil {
		return nil, err
	}
	if schemes == nil {
		schemes = storage.Default()
	}
	return database.Build(layout, schemes)
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		return telemetry.NewPrometheusCollector(nil)
	default:
		return nil, fmt.Errorf("%w: unsupported telemetry provider %q", config.ErrConfiguration, cfg.Provider)
	}
}

// Validate checks that cfg builds a usable service without serving it.
func Validate(cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	deps := applyOptions(newDependencies(), opts)
	registry, err := buildRegistry(cfg, deps.schemes)
	if err != nil {
		return err
	}
	defer registry.Close()
	if cfg.TransferLog.Enabled {
		if _, err := transferlog.New(discard{}, transferlog.Options{
			Threshold: cfg.TransferLog.ThresholdDuration(),
			Filter:    cfg.TransferLog.Filter,
		}); err != nil {
			return err
		}
	}
	if cfg.Telemetry.Enabled {
		provider := strings.ToLower(strings.TrimSpace(cfg.Telemetry.Provider))
		if provider != "" && provider != "prometheus" {
			return fmt.Errorf("%w: unsupported telemetry provider %q", config.ErrConfiguration, cfg.Telemetry.Provider)
		}
	}
	if len(registry) == 0 {
		logger.Warn().Msg("no database uri configured; connection requests will fail")
	}
	return nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// Handler returns the HTTP handler of the service.
func (s *Service) Handler() http.Handler {
	return s.handler
}

// Broker returns the connection broker.
func (s *Service) Broker() *broker.Manager {
	return s.broker
}

// Registry returns the database registry.
func (s *Service) Registry() database.Registry {
	return s.registry
}

// Run serves HTTP on the configured address until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.ListenAddress())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then drains in-flight
// requests so their connections are released.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler: s.handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("http server started")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the transfer log and every database backend.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.transfer != nil {
			if err := s.transfer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transfer log: %w", err))
			}
		}
		if err := s.registry.Close(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func displayNames(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = logging.DatabaseLabel(name)
	}
	return out
}
