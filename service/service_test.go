package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/dbconn/config"
	"github.com/timzifer/dbconn/database"
	"github.com/timzifer/dbconn/events"
	"github.com/timzifer/dbconn/storage"
	"github.com/timzifer/dbconn/storage/mem"
	"github.com/timzifer/dbconn/telemetry"
)

func memConfig(named ...config.NamedURI) *config.Config {
	return &config.Config{
		Databases: config.DatabasesConfig{
			URI:   config.URIList{"mem://primary"},
			Named: config.NamedURIs(named),
		},
	}
}

type recordingSubscriber struct {
	mu     sync.Mutex
	events []events.Kind
}

func (r *recordingSubscriber) HandleEvent(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Kind)
	return nil
}

func (r *recordingSubscriber) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Kind(nil), r.events...)
}

func newTestService(t *testing.T, cfg *config.Config, opts ...Option) *Service {
	t.Helper()
	svc, err := New(cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStoreThenLoadObject(t *testing.T) {
	rec := &recordingSubscriber{}
	svc := newTestService(t, memConfig(), WithSubscriber(rec))

	resp := do(t, svc.Handler(), http.MethodPut, "/objects/users/42", "alice")
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = do(t, svc.Handler(), http.MethodGet, "/objects/users/42", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "alice", resp.Body.String())

	require.Equal(t, []events.Kind{
		events.Opened, events.WillClose, events.Closed,
		events.Opened, events.WillClose, events.Closed,
	}, rec.kinds())
}

func TestLoadMissingObject(t *testing.T) {
	svc := newTestService(t, memConfig())

	resp := do(t, svc.Handler(), http.MethodGet, "/objects/nothing", "")
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestNamedDatabaseObjects(t *testing.T) {
	svc := newTestService(t, memConfig(config.NamedURI{Name: "audit", URI: "mem://audit"}))

	resp := do(t, svc.Handler(), http.MethodPut, "/objects/entry?db=audit", "x")
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = do(t, svc.Handler(), http.MethodGet, "/objects/entry?db=audit", "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, svc.Handler(), http.MethodGet, "/objects/entry", "")
	require.Equal(t, http.StatusNotFound, resp.Code, "primary and named databases must not share objects")

	resp = do(t, svc.Handler(), http.MethodGet, "/objects/entry?db=missing", "")
	require.Equal(t, http.StatusNotFound, resp.Code)
	require.Contains(t, resp.Body.String(), `"missing"`)
}

func TestUnconfiguredServiceReportsServerError(t *testing.T) {
	svc := newTestService(t, &config.Config{})

	resp := do(t, svc.Handler(), http.MethodGet, "/objects/a", "")
	require.Equal(t, http.StatusInternalServerError, resp.Code)

	resp = do(t, svc.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestDatabasesEndpoint(t *testing.T) {
	cfg := &config.Config{Databases: config.DatabasesConfig{
		URI:   config.URIList{"mem://primary?pool_size=4", "mem://b?database_name=beta"},
		Named: config.NamedURIs{{Name: "alpha", URI: "mem://a?cache_size=100"}},
	}}
	svc := newTestService(t, cfg)

	resp := do(t, svc.Handler(), http.MethodGet, "/databases", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "application/json", resp.Header().Get("Content-Type"))

	var body databasesResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, []databaseInfo{
		{Name: "", Primary: true, PoolSize: 4},
		{Name: "alpha", CacheSize: 100},
		{Name: "beta"},
	}, body.Databases)
}

func TestNewRejectsInvalidLayouts(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{
			name: "missing primary",
			cfg: &config.Config{Databases: config.DatabasesConfig{
				Named: config.NamedURIs{{Name: "a", URI: "mem://a"}},
			}},
		},
		{
			name: "duplicate name",
			cfg: &config.Config{Databases: config.DatabasesConfig{
				URI:   config.URIList{"mem://p", "mem://x?database_name=a"},
				Named: config.NamedURIs{{Name: "a", URI: "mem://a"}},
			}},
		},
		{
			name: "unknown scheme",
			cfg:  &config.Config{Databases: config.DatabasesConfig{URI: config.URIList{"nosuch://x"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, zerolog.Nop())
			require.Error(t, err)
			require.True(t, errors.Is(err, storage.ErrConfiguration), "got %v", err)
			require.Error(t, Validate(tt.cfg, zerolog.Nop()))
		})
	}
}

func TestWithSchemesIsolatesResolvers(t *testing.T) {
	schemes := storage.NewSchemes()
	cfg := memConfig()

	_, err := New(cfg, zerolog.Nop(), WithSchemes(schemes))
	var unknown *storage.UnknownSchemeError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "mem", unknown.Scheme)

	require.NoError(t, schemes.Register(mem.Scheme, mem.Resolve))
	require.NoError(t, Validate(cfg, zerolog.Nop(), WithSchemes(schemes)))
}

func TestValidateRejectsBadTransferFilter(t *testing.T) {
	cfg := memConfig()
	cfg.TransferLog = config.TransferLogConfig{Enabled: true, Filter: "method =="}
	require.Error(t, Validate(cfg, zerolog.Nop()))
}

func TestTransferLogRecordsRequests(t *testing.T) {
	sink := filepath.Join(t.TempDir(), "transfer.log")
	cfg := memConfig()
	cfg.TransferLog = config.TransferLogConfig{Enabled: true, Sink: sink, Filter: `method == "PUT"`}
	svc := newTestService(t, cfg)

	require.Equal(t, http.StatusNoContent, do(t, svc.Handler(), http.MethodPut, "/objects/k?x=1", "v").Code)
	require.Equal(t, http.StatusOK, do(t, svc.Handler(), http.MethodGet, "/objects/k", "").Code)
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(sink)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)
	fields := strings.Split(lines[0], ",")
	require.Len(t, fields, 6)
	require.Equal(t, "PUT", fields[1])
	require.Equal(t, "/objects/k?x=1", fields[2])
	require.Equal(t, "0", fields[4])
	require.Equal(t, "1", fields[5])
}

type countingCollector struct {
	mu             sync.Mutex
	opened, closed map[string]int
	stores         int64
}

func newCountingCollector() *countingCollector {
	return &countingCollector{opened: map[string]int{}, closed: map[string]int{}}
}

func (c *countingCollector) IncConnectionOpened(db string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened[db]++
}

func (c *countingCollector) IncConnectionClosed(db string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed[db]++
}

func (c *countingCollector) IncFinalizeError() {}

func (c *countingCollector) ObserveTransfer(_ string, _, stores int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores += stores
}

var _ telemetry.Collector = (*countingCollector)(nil)

func TestCollectorObservesConnections(t *testing.T) {
	collector := newCountingCollector()
	svc := newTestService(t, memConfig(), WithCollector(collector, nil))

	require.Equal(t, http.StatusNoContent, do(t, svc.Handler(), http.MethodPut, "/objects/a", "1").Code)
	require.Equal(t, http.StatusNoContent, do(t, svc.Handler(), http.MethodPut, "/objects/b", "2").Code)

	collector.mu.Lock()
	defer collector.mu.Unlock()
	require.Equal(t, 2, collector.opened[database.PrimaryName])
	require.Equal(t, 2, collector.closed[database.PrimaryName])
	require.EqualValues(t, 2, collector.stores)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)
	cfg := memConfig()
	cfg.Telemetry.Path = "/internal/metrics"
	svc := newTestService(t, cfg, WithCollector(collector, reg))

	require.Equal(t, http.StatusNoContent, do(t, svc.Handler(), http.MethodPut, "/objects/a", "1").Code)

	resp := do(t, svc.Handler(), http.MethodGet, "/internal/metrics", "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), "dbconn_connections_closed_total")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	svc := newTestService(t, memConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, err := New(memConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}
