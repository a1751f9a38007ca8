package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures connection lifecycle telemetry.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks run
// inline while requests acquire and release connections.
type Collector interface {
	IncConnectionOpened(database string)
	IncConnectionClosed(database string)
	IncFinalizeError()
	ObserveTransfer(database string, loads, stores int64)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncConnectionOpened(string)           {}
func (noopCollector) IncConnectionClosed(string)           {}
func (noopCollector) IncFinalizeError()                    {}
func (noopCollector) ObserveTransfer(string, int64, int64) {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	opened         *prometheus.CounterVec
	closed         *prometheus.CounterVec
	finalizeErrors *prometheus.CounterVec
	loads          *prometheus.CounterVec
	stores         *prometheus.CounterVec
}

var (
	metricsLock    sync.Mutex
	openedCounter  *prometheus.CounterVec
	closedCounter  *prometheus.CounterVec
	finalizeErrors *prometheus.CounterVec
	loadCounter    *prometheus.CounterVec
	storeCounter   *prometheus.CounterVec
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
// Metrics already registered by an earlier call are reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsLock.Lock()
	defer metricsLock.Unlock()

	var err error
	if openedCounter, err = registerCounter(reg, openedCounter, prometheus.CounterOpts{
		Name: "dbconn_connections_opened_total",
		Help: "Number of request scoped connections opened per database.",
	}, "database"); err != nil {
		return nil, err
	}
	if closedCounter, err = registerCounter(reg, closedCounter, prometheus.CounterOpts{
		Name: "dbconn_connections_closed_total",
		Help: "Number of request scoped connections aborted and closed per database.",
	}, "database"); err != nil {
		return nil, err
	}
	if finalizeErrors, err = registerCounter(reg, finalizeErrors, prometheus.CounterOpts{
		Name: "dbconn_finalize_errors_total",
		Help: "Number of requests whose connection release reported an error.",
	}); err != nil {
		return nil, err
	}
	if loadCounter, err = registerCounter(reg, loadCounter, prometheus.CounterOpts{
		Name: "dbconn_object_loads_total",
		Help: "Objects loaded through request scoped connections.",
	}, "database"); err != nil {
		return nil, err
	}
	if storeCounter, err = registerCounter(reg, storeCounter, prometheus.CounterOpts{
		Name: "dbconn_object_stores_total",
		Help: "Objects stored through request scoped connections.",
	}, "database"); err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		opened:         openedCounter,
		closed:         closedCounter,
		finalizeErrors: finalizeErrors,
		loads:          loadCounter,
		stores:         storeCounter,
	}, nil
}

func registerCounter(reg prometheus.Registerer, existing *prometheus.CounterVec, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	if existing != nil {
		return existing, nil
	}
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		current, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		return current, nil
	}
	return counter, nil
}

// IncConnectionOpened counts an opened connection.
func (p *PrometheusCollector) IncConnectionOpened(database string) {
	if p == nil || p.opened == nil {
		return
	}
	p.opened.WithLabelValues(label(database)).Inc()
}

// IncConnectionClosed counts a released connection.
func (p *PrometheusCollector) IncConnectionClosed(database string) {
	if p == nil || p.closed == nil {
		return
	}
	p.closed.WithLabelValues(label(database)).Inc()
}

// IncFinalizeError counts a request whose release failed.
func (p *PrometheusCollector) IncFinalizeError() {
	if p == nil || p.finalizeErrors == nil {
		return
	}
	p.finalizeErrors.WithLabelValues().Inc()
}

// ObserveTransfer adds the transfer counters of a released connection.
// Negative values are ignored because counters cannot decrease.
func (p *PrometheusCollector) ObserveTransfer(database string, loads, stores int64) {
	if p == nil || p.loads == nil || p.stores == nil {
		return
	}
	if loads > 0 {
		p.loads.WithLabelValues(label(database)).Add(float64(loads))
	}
	if stores > 0 {
		p.stores.WithLabelValues(label(database)).Add(float64(stores))
	}
}

func label(database string) string {
	if database == "" {
		return "primary"
	}
	return database
}
