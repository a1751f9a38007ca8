// Package transferlog records per request load/store activity of the
// primary database connection.
//
// Each request that used the primary connection produces one line:
//
//	2006-01-02 15:04:05,GET,/path?query,0.42,12,3
//
// holding the completion time, method, path with query string, elapsed
// seconds, and the loads and stores performed during the request. Counter
// deltas are reported as read, a backend that resets its counters may
// produce negative values.
package transferlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"

	"github.com/timzifer/dbconn/database"
	"github.com/timzifer/dbconn/events"
	"github.com/timzifer/dbconn/request"
)

const timestampLayout = "2006-01-02 15:04:05"

// Options tune which requests are recorded.
type Options struct {
	// Threshold suppresses requests faster than the given duration. Zero
	// records every request.
	Threshold time.Duration
	// Filter is an optional boolean expression over method, path, elapsed
	// (seconds), loads and stores. Requests for which it is false are not
	// recorded.
	Filter string
	// Now overrides the clock.
	Now func() time.Time
}

// Record is one line of the transfer log.
type Record struct {
	Time    time.Time
	Method  string
	Path    string
	Elapsed time.Duration
	Loads   int64
	Stores  int64
}

// String renders the record as written to the sink.
func (r Record) String() string {
	seconds := decimal.NewFromFloat(r.Elapsed.Seconds()).StringFixed(2)
	return fmt.Sprintf("%s,%s,%s,%s,%d,%d\n",
		r.Time.Format(timestampLayout), r.Method, r.Path, seconds, r.Loads, r.Stores)
}

// Log is an events.Subscriber writing transfer records to a sink. A Log is
// shared by all requests and serialises writes.
type Log struct {
	mu     sync.Mutex
	out    *bufio.Writer
	closer io.Closer

	threshold time.Duration
	filter    *vm.Program
	now       func() time.Time
}

// New creates a log writing to w.
func New(w io.Writer, opts Options) (*Log, error) {
	if w == nil {
		return nil, fmt.Errorf("transfer log: writer must not be nil")
	}
	if opts.Threshold < 0 {
		return nil, fmt.Errorf("transfer log: threshold must not be negative")
	}
	l := &Log{
		out:       bufio.NewWriter(w),
		threshold: opts.Threshold,
		now:       opts.Now,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if opts.Filter != "" {
		program, err := compileFilter(opts.Filter)
		if err != nil {
			return nil, err
		}
		l.filter = program
	}
	return l, nil
}

// Open creates a log for sink: standard output when sink is empty,
// otherwise the file at sink opened for appending.
func Open(sink string, opts Options) (*Log, error) {
	if sink == "" {
		return New(os.Stdout, opts)
	}
	file, err := os.OpenFile(sink, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transfer log: %w", err)
	}
	l, err := New(file, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	l.closer = file
	return l, nil
}

func compileFilter(src string) (*vm.Program, error) {
	env := filterEnv(Record{})
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("transfer log filter: %w", err)
	}
	return program, nil
}

func filterEnv(r Record) map[string]interface{} {
	return map[string]interface{}{
		"method":  r.Method,
		"path":    r.Path,
		"elapsed": r.Elapsed.Seconds(),
		"loads":   r.Loads,
		"stores":  r.Stores,
	}
}

// HandleEvent implements events.Subscriber.
func (l *Log) HandleEvent(ev events.Event) error {
	if ev.Scope == nil || ev.Connection == nil || ev.Name != database.PrimaryName {
		return nil
	}
	switch ev.Kind {
	case events.Opened:
		l.start(ev.Scope, ev.Connection)
	case events.WillClose:
		return l.end(ev.Scope, ev.Connection)
	}
	return nil
}

func (l *Log) start(scope *request.Scope, conn *database.Connection) {
	loads, stores := conn.TransferCounts()
	scope.Transfer = &request.TransferSnapshot{Start: l.now(), Loads: loads, Stores: stores}
}

func (l *Log) end(scope *request.Scope, conn *database.Connection) error {
	snapshot := scope.Transfer
	if snapshot == nil {
		return nil
	}
	scope.Transfer = nil
	now := l.now()
	elapsed := now.Sub(snapshot.Start)
	if l.threshold > 0 && elapsed < l.threshold {
		return nil
	}
	loads, stores := conn.TransferCounts()
	record := Record{
		Time:    now,
		Method:  scope.Method,
		Path:    scope.PathWithQuery,
		Elapsed: elapsed,
		Loads:   loads - snapshot.Loads,
		Stores:  stores - snapshot.Stores,
	}
	if l.filter != nil {
		keep, err := expr.Run(l.filter, filterEnv(record))
		if err != nil {
			return fmt.Errorf("transfer log filter: %w", err)
		}
		if ok, _ := keep.(bool); !ok {
			return nil
		}
	}
	return l.Write(record)
}

// Write appends record to the sink and flushes it.
func (l *Log) Write(record Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.WriteString(record.String()); err != nil {
		return fmt.Errorf("write transfer log: %w", err)
	}
	if err := l.out.Flush(); err != nil {
		return fmt.Errorf("flush transfer log: %w", err)
	}
	return nil
}

// Close flushes pending output and closes a file sink.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.out.Flush()
	if l.closer != nil {
		if cerr := l.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		l.closer = nil
	}
	return err
}
