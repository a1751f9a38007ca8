package storage

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Options carries backend specific keyword configuration derived from a
// database URI. The registry builder merges it into database construction.
type Options struct {
	// DatabaseName is the name declared by the URI itself. It names the
	// entries of a multi-URI primary declaration.
	DatabaseName string
	CacheSize    int
	// PoolSize bounds concurrently open connections. Zero means unbounded.
	PoolSize    int
	PoolTimeout time.Duration
	// Extra holds query parameters not understood by the common options.
	Extra map[string]string
}

const (
	optionDatabaseName = "database_name"
	optionCacheSize    = "cache_size"
	optionPoolSize     = "pool_size"
	optionPoolTimeout  = "pool_timeout"
)

// ParseOptions extracts the common options from URI query parameters.
func ParseOptions(query url.Values) (Options, error) {
	var opts Options
	for key, values := range query {
		if len(values) == 0 {
			continue
		}
		value := values[len(values)-1]
		switch key {
		case optionDatabaseName:
			opts.DatabaseName = value
		case optionCacheSize:
			n, err := parseNonNegative(key, value)
			if err != nil {
				return Options{}, err
			}
			opts.CacheSize = n
		case optionPoolSize:
			n, err := parseNonNegative(key, value)
			if err != nil {
				return Options{}, err
			}
			opts.PoolSize = n
		case optionPoolTimeout:
			d, err := time.ParseDuration(value)
			if err != nil {
				secs, convErr := strconv.Atoi(value)
				if convErr != nil {
					return Options{}, fmt.Errorf("%s: %w", key, err)
				}
				d = time.Duration(secs) * time.Second
			}
			if d < 0 {
				return Options{}, fmt.Errorf("%s must not be negative", key)
			}
			opts.PoolTimeout = d
		default:
			if opts.Extra == nil {
				opts.Extra = make(map[string]string)
			}
			opts.Extra[key] = value
		}
	}
	return opts, nil
}

func parseNonNegative(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return n, nil
}
