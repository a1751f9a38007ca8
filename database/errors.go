package database

import (
	"errors"
	"fmt"

	"github.com/timzifer/dbconn/storage"
)

// ErrConfiguration is the root of every configuration error raised while
// building or using a registry.
var ErrConfiguration = storage.ErrConfiguration

// ErrMissingPrimary is returned when secondary databases are declared
// without a primary database.
var ErrMissingPrimary = fmt.Errorf("%w: named databases require a primary database", ErrConfiguration)

// ErrConnectionClosed is returned by operations on a released connection.
var ErrConnectionClosed = errors.New("connection closed")

// DuplicateDatabaseNameError reports two declarations resolving to the same
// database name.
type DuplicateDatabaseNameError struct {
	Name string
}

func (e *DuplicateDatabaseNameError) Error() string {
	if e.Name == "" {
		return "duplicate database name: primary database declared more than once"
	}
	return fmt.Sprintf("duplicate database name %q", e.Name)
}

// Is reports DuplicateDatabaseNameError as a configuration error.
func (e *DuplicateDatabaseNameError) Is(target error) bool {
	return target == ErrConfiguration
}

// UnknownDatabaseError is returned when a database name was never
// registered. It is a runtime lookup failure, not a configuration error.
type UnknownDatabaseError struct {
	Name string
}

func (e *UnknownDatabaseError) Error() string {
	if e.Name == "" {
		return "no primary database registered"
	}
	return fmt.Sprintf("database %q is not registered", e.Name)
}
