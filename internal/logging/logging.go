package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/dbconn/config"
	"github.com/timzifer/dbconn/database"
	"github.com/timzifer/dbconn/request"
)

const serviceName = "dbconn"

// Setup creates the process logger. Every line carries the service name and
// the configured static fields. The returned cleanup function stops the
// optional Loki client.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	return setup(cfg, os.Stdout, nil)
}

func setup(cfg config.LoggingConfig, out io.Writer, handler entryHandler) (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	console := out
	if strings.EqualFold(cfg.Format, "text") {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	writers := []io.Writer{console}
	cleanup := func() {}

	if cfg.Loki.Enabled {
		if handler == nil {
			client, err := newLokiClient(cfg.Loki)
			if err != nil {
				return zerolog.Logger{}, nil, err
			}
			handler = client
			cleanup = client.Stop
		}
		writers = append(writers, &lokiWriter{handler: handler, labels: lokiLabels(cfg.Loki.Labels)})
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
		Timestamp().
		Str("service", serviceName)
	keys := make([]string, 0, len(cfg.Fields))
	for key := range cfg.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		ctx = ctx.Str(key, cfg.Fields[key])
	}
	return ctx.Logger().Level(level), cleanup, nil
}

// DatabaseLabel renders a database name for logs; the primary database has
// the empty name.
func DatabaseLabel(name string) string {
	if name == database.PrimaryName {
		return "(primary)"
	}
	return name
}

// ForRequest returns a child logger describing the request of scope.
func ForRequest(logger zerolog.Logger, scope *request.Scope) zerolog.Logger {
	if scope == nil {
		return logger
	}
	return logger.With().
		Str("request", scope.ID).
		Str("method", scope.Method).
		Str("path", scope.PathWithQuery).
		Logger()
}

func newLokiClient(cfg config.LokiConfig) (*loki.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	return client, nil
}

func lokiLabels(configured map[string]string) model.LabelSet {
	labels := model.LabelSet{"app": serviceName}
	for k, v := range configured {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return labels
}

type entryHandler interface {
	Handle(labels model.LabelSet, at time.Time, entry string) error
}

// lokiWriter ships log lines to Loki, labelled with their level so queries
// can select errors without parsing the line.
type lokiWriter struct {
	handler entryHandler
	labels  model.LabelSet
}

func (l *lokiWriter) Write(p []byte) (int, error) {
	return l.WriteLevel(zerolog.NoLevel, p)
}

func (l *lokiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	labels := l.labels
	if level != zerolog.NoLevel {
		labels = l.labels.Clone()
		labels["level"] = model.LabelValue(level.String())
	}
	return len(p), l.handler.Handle(labels, time.Now(), entry)
}
