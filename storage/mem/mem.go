// Package mem provides an in-memory storage backend registered under the
// "mem" URI scheme. It is intended for tests, demos and ephemeral
// deployments; nothing survives a process restart.
package mem

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/timzifer/dbconn/storage"
)

// Scheme is the URI scheme handled by this package.
const Scheme = "mem"

// ErrClosed is returned when a closed backend or session is used.
var ErrClosed = errors.New("mem: closed")

func init() {
	if err := storage.Register(Scheme, Resolve); err != nil {
		panic(err)
	}
}

// Resolve implements storage.Resolver for mem:// URIs.
func Resolve(u *url.URL) (storage.Factory, storage.Options, error) {
	opts, err := storage.ParseOptions(u.Query())
	if err != nil {
		return nil, storage.Options{}, err
	}
	factory := func() (storage.Backend, error) {
		return New(), nil
	}
	return factory, opts, nil
}

// Backend keeps committed objects in a map.
type Backend struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool

	sessions atomic.Int64
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{data: make(map[string][]byte)}
}

// Open checks out a new session.
func (b *Backend) Open(ctx context.Context) (storage.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	b.sessions.Add(1)
	return &Session{backend: b, pending: make(map[string][]byte)}, nil
}

// Close releases the backend. Sessions opened earlier fail afterwards.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.data = nil
	return nil
}

// OpenSessions reports sessions that were opened and not yet closed.
func (b *Backend) OpenSessions() int64 {
	return b.sessions.Load()
}

// Len reports the number of committed objects.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *Backend) get(key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false, ErrClosed
	}
	value, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (b *Backend) apply(writes map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for key, value := range writes {
		b.data[key] = value
	}
	return nil
}

// Session buffers writes until Commit.
type Session struct {
	backend *Backend
	pending map[string][]byte
	loads   int64
	stores  int64
	closed  bool
}

// Load returns the pending value for key if one exists, otherwise the
// committed value.
func (s *Session) Load(key string) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	s.loads++
	if value, ok := s.pending[key]; ok {
		out := make([]byte, len(value))
		copy(out, value)
		return out, nil
	}
	value, ok, err := s.backend.get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return value, nil
}

// Store records a pending write.
func (s *Session) Store(key string, data []byte) error {
	if s.closed {
		return ErrClosed
	}
	value := make([]byte, len(data))
	copy(value, data)
	s.pending[key] = value
	s.stores++
	return nil
}

// Commit applies pending writes to the backend.
func (s *Session) Commit() error {
	if s.closed {
		return ErrClosed
	}
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.backend.apply(s.pending); err != nil {
		return err
	}
	s.pending = make(map[string][]byte)
	return nil
}

// Abort drops pending writes.
func (s *Session) Abort() error {
	if s.closed {
		return ErrClosed
	}
	s.pending = make(map[string][]byte)
	return nil
}

// Pending reports the number of uncommitted writes.
func (s *Session) Pending() int {
	return len(s.pending)
}

// TransferCounts implements storage.Session.
func (s *Session) TransferCounts() (int64, int64) {
	return s.loads, s.stores
}

// Close ends the session without committing. Closing twice is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	s.backend.sessions.Add(-1)
	return nil
}
