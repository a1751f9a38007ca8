package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/timzifer/dbconn/storage"
)

// Connection is one checked-out session against a database.
//
// A connection opened through Database.Open owns a connection group: sibling
// connections obtained through Connection(name) join that group and are
// aborted, committed and closed together with it. A connection is not safe
// for concurrent use.
type Connection struct {
	db      *Database
	session storage.Session
	release func()

	group map[string]*Connection
	order []string
	root  bool

	aborted bool
	closed  bool
}

// Name returns the name of the database the connection was opened from.
func (c *Connection) Name() string {
	return c.db.name
}

// Database returns the database the connection was opened from.
func (c *Connection) Database() *Database {
	return c.db
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	return c.closed
}

// Aborted reports whether Abort has run since the connection was opened.
func (c *Connection) Aborted() bool {
	return c.aborted
}

// Connection returns the connection of the sibling database registered
// under name, opening it into this connection's group on first use.
func (c *Connection) Connection(ctx context.Context, name string) (*Connection, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}
	if existing, ok := c.group[name]; ok {
		return existing, nil
	}
	db := c.db.siblings.Lookup(name)
	if db == nil {
		return nil, &UnknownDatabaseError{Name: name}
	}
	sub, err := db.Open(ctx)
	if err != nil {
		return nil, err
	}
	sub.group = c.group
	sub.root = false
	c.group[name] = sub
	owner := c.owner()
	if !containsName(owner.order, name) {
		owner.order = append(owner.order, name)
	}
	return sub, nil
}

func (c *Connection) owner() *Connection {
	if c.root {
		return c
	}
	for _, member := range c.group {
		if member.root {
			return member
		}
	}
	return c
}

// members returns the group in open order, the owner first.
func (c *Connection) members() []*Connection {
	if !c.root {
		return []*Connection{c}
	}
	out := make([]*Connection, 0, len(c.order)+1)
	out = append(out, c)
	for _, name := range c.order {
		if member := c.group[name]; member != nil {
			out = append(out, member)
		}
	}
	return out
}

// Load reads an object.
func (c *Connection) Load(key string) ([]byte, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}
	return c.session.Load(key)
}

// Store records a pending write.
func (c *Connection) Store(key string, data []byte) error {
	if c.closed {
		return ErrConnectionClosed
	}
	c.aborted = false
	return c.session.Store(key, data)
}

// Commit commits pending writes of the connection, and of every sibling
// in its group when called on the group owner.
func (c *Connection) Commit() error {
	if c.closed {
		return ErrConnectionClosed
	}
	for _, member := range c.members() {
		if err := member.session.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", describe(member.db.name), err)
		}
	}
	return nil
}

// TransferCounts reports loads and stores since the connection was opened.
func (c *Connection) TransferCounts() (loads, stores int64) {
	if c.session == nil {
		return 0, 0
	}
	return c.session.TransferCounts()
}

// Abort discards pending writes of the connection, and of every sibling in
// its group when called on the group owner. Every member is aborted even
// if an earlier one fails.
func (c *Connection) Abort() error {
	if c.closed {
		return ErrConnectionClosed
	}
	var errs []error
	for _, member := range c.members() {
		if err := member.session.Abort(); err != nil {
			errs = append(errs, fmt.Errorf("abort %s: %w", describe(member.db.name), err))
			continue
		}
		member.aborted = true
	}
	return errors.Join(errs...)
}

// Close releases the connection. Closing the group owner closes every
// sibling opened through it. Closing twice is a no-op.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	members := c.members()
	var errs []error
	// siblings first, the owner last
	for i := len(members) - 1; i >= 0; i-- {
		member := members[i]
		if member.closed {
			continue
		}
		member.closed = true
		if err := member.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", describe(member.db.name), err))
		}
		if member.release != nil {
			member.release()
			member.release = nil
		}
		if !c.root {
			delete(c.group, member.db.name)
		}
	}
	return errors.Join(errs...)
}

func containsName(names []string, name string) bool {
	for _, candidate := range names {
		if candidate == name {
			return true
		}
	}
	return false
}

func describe(name string) string {
	if name == "" {
		return "primary database"
	}
	return fmt.Sprintf("database %q", name)
}
