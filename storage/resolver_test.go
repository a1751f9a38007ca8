package storage

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubBackend struct{}

func (stubBackend) Open(context.Context) (Session, error) { return nil, errors.New("not implemented") }
func (stubBackend) Close() error                          { return nil }

func stubResolver(u *url.URL) (Factory, Options, error) {
	opts, err := ParseOptions(u.Query())
	if err != nil {
		return nil, Options{}, err
	}
	return func() (Backend, error) { return stubBackend{}, nil }, opts, nil
}

func TestResolveDispatchesByScheme(t *testing.T) {
	schemes := NewSchemes()
	require.NoError(t, schemes.Register("stub", stubResolver))

	factory, opts, err := schemes.Resolve("STUB://host/path?pool_size=3&pool_timeout=2&custom=x")
	require.NoError(t, err)
	require.NotNil(t, factory)
	require.Equal(t, 3, opts.PoolSize)
	require.Equal(t, 2*time.Second, opts.PoolTimeout)
	require.Equal(t, map[string]string{"custom": "x"}, opts.Extra)
}

func TestResolveUnknownScheme(t *testing.T) {
	schemes := NewSchemes()
	_, _, err := schemes.Resolve("bogus://db")
	var unknown *UnknownSchemeError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "bogus", unknown.Scheme)
	require.ErrorIs(t, err, ErrConfiguration)

	_, _, err = schemes.Resolve("no-scheme-here")
	require.ErrorAs(t, err, &unknown)
	require.Empty(t, unknown.Scheme)
}

func TestResolveInvalidOptions(t *testing.T) {
	schemes := NewSchemes()
	require.NoError(t, schemes.Register("stub", stubResolver))
	_, _, err := schemes.Resolve("stub://?pool_size=-1")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestCloneIsIndependent(t *testing.T) {
	schemes := NewSchemes()
	require.NoError(t, schemes.Register("stub", stubResolver))
	clone := schemes.Clone()
	require.NoError(t, clone.Register("other", stubResolver))
	require.Equal(t, []string{"stub"}, schemes.Names())
	require.Equal(t, []string{"other", "stub"}, clone.Names())
}

func TestRegisterRejectsEmpty(t *testing.T) {
	schemes := NewSchemes()
	require.Error(t, schemes.Register(" ", stubResolver))
	require.Error(t, schemes.Register("x", nil))
}
