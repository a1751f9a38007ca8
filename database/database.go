package database

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/timzifer/dbconn/storage"
)

// Database wraps one opened storage backend together with the registry it
// was declared in.
type Database struct {
	name     string
	backend  storage.Backend
	opts     storage.Options
	siblings Registry
	pool     *semaphore.Weighted
}

// New wraps backend and registers the database into siblings under name.
// siblings must be the registry shared by every database of the same
// configuration.
func New(backend storage.Backend, name string, siblings Registry, opts storage.Options) *Database {
	db := &Database{
		name:     name,
		backend:  backend,
		opts:     opts,
		siblings: siblings,
	}
	if opts.PoolSize > 0 {
		db.pool = semaphore.NewWeighted(int64(opts.PoolSize))
	}
	if siblings != nil {
		siblings[name] = db
	}
	return db
}

// Name returns the registered name; the primary database is "".
func (db *Database) Name() string {
	return db.name
}

// Siblings returns the registry shared by all databases of the same
// configuration.
func (db *Database) Siblings() Registry {
	return db.siblings
}

// Options returns the backend options the database was built with.
func (db *Database) Options() storage.Options {
	return db.opts
}

// Backend exposes the wrapped storage backend.
func (db *Database) Backend() storage.Backend {
	return db.backend
}

// Open checks out a new connection. When the database is pool limited Open
// blocks until a slot frees up, the pool timeout expires or ctx is done.
func (db *Database) Open(ctx context.Context) (*Connection, error) {
	release, err := db.acquire(ctx)
	if err != nil {
		return nil, err
	}
	session, err := db.backend.Open(ctx)
	if err != nil {
		release()
		return nil, err
	}
	conn := &Connection{
		db:      db,
		session: session,
		release: release,
	}
	conn.group = map[string]*Connection{db.name: conn}
	conn.root = true
	return conn, nil
}

func (db *Database) acquire(ctx context.Context) (func(), error) {
	if db.pool == nil {
		return func() {}, nil
	}
	waitCtx := ctx
	if db.opts.PoolTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, db.opts.PoolTimeout)
		defer cancel()
	}
	if err := db.pool.Acquire(waitCtx, 1); err != nil {
		return nil, fmt.Errorf("database %q: wait for free connection: %w", db.name, err)
	}
	return func() { db.pool.Release(1) }, nil
}

// Close closes the backend.
func (db *Database) Close() error {
	if db.backend == nil {
		return nil
	}
	return db.backend.Close()
}
