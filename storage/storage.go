package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrConfiguration marks errors caused by the deployment configuration rather
// than by the environment. Use errors.Is to tell "you misconfigured this"
// apart from "the database is unreachable".
var ErrConfiguration = errors.New("configuration error")

// ErrKeyNotFound is returned by Session.Load when no committed or pending
// value exists for the key.
var ErrKeyNotFound = errors.New("key not found")

// Backend is an opened durable store.
//
// A backend is created once per database at registry build time and is
// owned exclusively by the database that wraps it. Implementations must be
// safe for concurrent use because every request opens its own session.
type Backend interface {
	Open(ctx context.Context) (Session, error)
	Close() error
}

// Session is one checked-out unit of work against a backend.
//
// Writes issued through Store stay pending until Commit. Abort discards
// pending writes. A session is used by a single request at a time.
type Session interface {
	Load(key string) ([]byte, error)
	Store(key string, data []byte) error
	Commit() error
	Abort() error
	// TransferCounts reports the loads and stores performed since the
	// session was opened.
	TransferCounts() (loads, stores int64)
	Close() error
}

// Factory constructs a fresh backend instance.
type Factory func() (Backend, error)

// UnknownSchemeError is returned when no resolver is registered for the
// scheme of a database URI.
type UnknownSchemeError struct {
	Scheme string
	URI    string
}

func (e *UnknownSchemeError) Error() string {
	if e.Scheme == "" {
		return fmt.Sprintf("database uri %q has no scheme", e.URI)
	}
	return fmt.Sprintf("no storage resolver registered for scheme %q (uri %q)", e.Scheme, e.URI)
}

// Is reports UnknownSchemeError as a configuration error.
func (e *UnknownSchemeError) Is(target error) bool {
	return target == ErrConfiguration
}

// InvalidURIError wraps a failure to parse a database URI or its options.
type InvalidURIError struct {
	URI string
	Err error
}

func (e *InvalidURIError) Error() string {
	return fmt.Sprintf("invalid database uri %q: %v", e.URI, e.Err)
}

func (e *InvalidURIError) Unwrap() error { return e.Err }

// Is reports InvalidURIError as a configuration error.
func (e *InvalidURIError) Is(target error) bool {
	return target == ErrConfiguration
}
