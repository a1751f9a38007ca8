package mem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/dbconn/storage"
)

func TestResolveRegistersScheme(t *testing.T) {
	factory, opts, err := storage.Resolve("mem://?database_name=sessions&cache_size=50")
	require.NoError(t, err)
	require.Equal(t, "sessions", opts.DatabaseName)
	require.Equal(t, 50, opts.CacheSize)

	first, err := factory()
	require.NoError(t, err)
	second, err := factory()
	require.NoError(t, err)
	require.NotSame(t, first, second)
}

func TestSessionCommitAndAbort(t *testing.T) {
	backend := New()
	ctx := context.Background()

	writer, err := backend.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.Store("a", []byte("1")))
	require.NoError(t, writer.Commit())
	require.NoError(t, writer.Store("b", []byte("2")))
	require.NoError(t, writer.Abort())
	require.NoError(t, writer.Close())
	require.Equal(t, 1, backend.Len())

	reader, err := backend.Open(ctx)
	require.NoError(t, err)
	value, err := reader.Load("a")
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)
	_, err = reader.Load("b")
	require.ErrorIs(t, err, storage.ErrKeyNotFound)

	loads, stores := reader.TransferCounts()
	require.Equal(t, int64(2), loads)
	require.Equal(t, int64(0), stores)
}

func TestCloseDoesNotCommit(t *testing.T) {
	backend := New()
	session, err := backend.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.Store("a", []byte("1")))
	require.Equal(t, int64(1), backend.OpenSessions())

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())
	require.Equal(t, int64(0), backend.OpenSessions())
	require.Equal(t, 0, backend.Len())

	_, err = session.Load("a")
	require.ErrorIs(t, err, ErrClosed)
}

func TestClosedBackendRejectsOpen(t *testing.T) {
	backend := New()
	require.NoError(t, backend.Close())
	_, err := backend.Open(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
