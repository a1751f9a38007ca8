// Package broker hands out request scoped database connections.
//
// The first lookup of the primary database within a request opens a
// connection, caches it on the request scope and registers a finisher that
// aborts and closes it when the request completes. Named databases are
// reached through the primary connection and are released together with it.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/timzifer/dbconn/database"
	"github.com/timzifer/dbconn/events"
	"github.com/timzifer/dbconn/internal/logging"
	"github.com/timzifer/dbconn/request"
	"github.com/timzifer/dbconn/telemetry"
)

// ErrNotConfigured is returned when connections are requested from a
// broker without any configured database.
var ErrNotConfigured = fmt.Errorf("%w: no database uri configured", database.ErrConfiguration)

// ErrScopeFinished is returned when a connection is requested from a scope
// whose request already completed.
var ErrScopeFinished = errors.New("request scope already finished")

// ErrNoScope is returned when a context carries no request scope.
var ErrNoScope = errors.New("no request scope in context")

// Manager opens, caches and releases request scoped connections. A manager
// is safe for concurrent use; the state it mutates lives on the scope of
// each request.
type Manager struct {
	registry  database.Registry
	notifier  *events.Notifier
	logger    zerolog.Logger
	telemetry telemetry.Collector
}

// Option customises a Manager.
type Option func(*Manager)

// WithNotifier delivers lifecycle events through n.
func WithNotifier(n *events.Notifier) Option {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithLogger sets the logger used for finalization failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithCollector reports finalization failures to c.
func WithCollector(c telemetry.Collector) Option {
	return func(m *Manager) {
		if c != nil {
			m.telemetry = c
		}
	}
}

// New creates a manager serving connections from registry.
func New(registry database.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:  registry,
		notifier:  events.NewNotifier(),
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Registry returns the registry the manager serves.
func (m *Manager) Registry() database.Registry {
	return m.registry
}

// Notifier returns the notifier lifecycle events are emitted on.
func (m *Manager) Notifier() *events.Notifier {
	return m.notifier
}

// Connection returns the connection for name within scope, opening it on
// first use. The empty name selects the primary database. Repeated calls
// with the same name return the same connection until the scope finishes or
// the handler closes it.
func (m *Manager) Connection(ctx context.Context, scope *request.Scope, name string) (*database.Connection, error) {
	if scope == nil {
		return nil, ErrNoScope
	}
	if scope.Finished() {
		return nil, ErrScopeFinished
	}
	if len(m.registry) == 0 {
		return nil, ErrNotConfigured
	}
	primary, err := m.primary(ctx, scope)
	if err != nil {
		return nil, err
	}
	if name == database.PrimaryName {
		return primary, nil
	}
	// named connections are cached in the primary's group only
	return primary.Connection(ctx, name)
}

func (m *Manager) primary(ctx context.Context, scope *request.Scope) (*database.Connection, error) {
	if conn, ok := scope.Connection(database.PrimaryName); ok {
		if conn.Closed() {
			return nil, fmt.Errorf("primary database: %w", database.ErrConnectionClosed)
		}
		return conn, nil
	}
	db := m.registry.Primary()
	if db == nil {
		return nil, &database.UnknownDatabaseError{Name: database.PrimaryName}
	}
	conn, err := db.Open(ctx)
	if err != nil {
		return nil, err
	}
	scope.SetConnection(database.PrimaryName, conn)
	if err := scope.AddFinisher(&release{manager: m, scope: scope, conn: conn}); err != nil {
		return nil, err
	}
	// the finisher is registered already, a failing subscriber cannot leak
	// the connection
	if err := m.notifier.Emit(events.Event{
		Kind:       events.Opened,
		Name:       database.PrimaryName,
		Connection: conn,
		Scope:      scope,
	}); err != nil {
		return nil, fmt.Errorf("connection opened: %w", err)
	}
	return conn, nil
}

// Run executes fn within a fresh request scope and releases every
// connection fn opened before returning. It serves callers outside the
// HTTP pipeline such as maintenance jobs and shells.
func (m *Manager) Run(ctx context.Context, method, path string, fn func(ctx context.Context, scope *request.Scope) error) (err error) {
	scope := request.NewScope(method, path)
	defer func() {
		if finishErr := m.finish(scope); finishErr != nil {
			err = errors.Join(err, finishErr)
		}
	}()
	return fn(request.WithScope(ctx, scope), scope)
}

func (m *Manager) finish(scope *request.Scope) error {
	err := scope.Finish()
	if err != nil {
		m.telemetry.IncFinalizeError()
		logger := logging.ForRequest(m.logger, scope)
		logger.Error().Err(err).
			Msg("release request connections")
	}
	return err
}

// release aborts and closes the primary connection of a scope, which also
// releases every named connection reached through it.
type release struct {
	manager *Manager
	scope   *request.Scope
	conn    *database.Connection
	done    bool
}

func (r *release) Finish() error {
	if r.done {
		return nil
	}
	r.done = true
	r.scope.ForgetConnections()

	ev := events.Event{Name: r.conn.Name(), Connection: r.conn, Scope: r.scope}
	var errs []error
	ev.Kind = events.WillClose
	if err := r.manager.notifier.Emit(ev); err != nil {
		errs = append(errs, err)
	}
	// a handler may have closed the connection itself
	if !r.conn.Closed() {
		if err := r.conn.Abort(); err != nil {
			errs = append(errs, err)
		}
		if err := r.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ev.Kind = events.Closed
	if err := r.manager.notifier.Emit(ev); err != nil {
		errs = append(errs, err)
	}
	logger := logging.ForRequest(r.manager.logger, r.scope)
	logger.Debug().
		Str("database", logging.DatabaseLabel(r.conn.Name())).
		Int("errors", len(errs)).
		Msg("connection released")
	return errors.Join(errs...)
}
