// Package request holds the per-request state shared by the connection
// broker and its observers: the connection cache, the transfer snapshot and
// the ordered list of finishers run when the request completes.
package request

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/timzifer/dbconn/database"
)

// Finisher is a teardown action bound to the lifetime of a request.
type Finisher interface {
	Finish() error
}

// FinisherFunc adapts a function to Finisher.
type FinisherFunc func() error

// Finish calls f.
func (f FinisherFunc) Finish() error { return f() }

// TransferSnapshot captures the transfer counters of the primary connection
// at the moment it was opened.
type TransferSnapshot struct {
	Start  time.Time
	Loads  int64
	Stores int64
}

// Scope is the state of one request. It is owned by the goroutine handling
// the request and must not be shared with other requests.
type Scope struct {
	ID            string
	Method        string
	PathWithQuery string

	// Transfer is set by the transfer log when the primary connection opens.
	Transfer *TransferSnapshot

	conns     map[string]*database.Connection
	finishers []Finisher
	finished  bool
}

// NewScope creates an empty scope.
func NewScope(method, pathWithQuery string) *Scope {
	return &Scope{
		ID:            uuid.NewString(),
		Method:        method,
		PathWithQuery: pathWithQuery,
		conns:         make(map[string]*database.Connection),
	}
}

// FromHTTP creates a scope describing r.
func FromHTTP(r *http.Request) *Scope {
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return NewScope(r.Method, path)
}

// Connection returns the cached connection for name.
func (s *Scope) Connection(name string) (*database.Connection, bool) {
	conn, ok := s.conns[name]
	return conn, ok
}

// SetConnection caches conn under name.
func (s *Scope) SetConnection(name string, conn *database.Connection) {
	if s.conns == nil {
		s.conns = make(map[string]*database.Connection)
	}
	s.conns[name] = conn
}

// ForgetConnections drops every cached connection.
func (s *Scope) ForgetConnections() {
	s.conns = make(map[string]*database.Connection)
}

// Connections reports the number of cached connections.
func (s *Scope) Connections() int {
	return len(s.conns)
}

// AddFinisher registers f to run when the scope finishes. Finishers added
// after Finish run immediately.
func (s *Scope) AddFinisher(f Finisher) error {
	if f == nil {
		return nil
	}
	if s.finished {
		return f.Finish()
	}
	s.finishers = append(s.finishers, f)
	return nil
}

// Finish runs every registered finisher once, in registration order. A
// failing finisher does not prevent the following ones from running; all
// failures are returned joined. Calling Finish again is a no-op.
func (s *Scope) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	finishers := s.finishers
	s.finishers = nil
	var errs []error
	for _, f := range finishers {
		if err := runFinisher(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runFinisher(f Finisher) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return f.Finish()
}

// Finished reports whether Finish has run.
func (s *Scope) Finished() bool {
	return s.finished
}

type scopeKey struct{}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope stored in ctx, if any.
func ScopeFrom(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}
