package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/dbconn/config"
	"github.com/timzifer/dbconn/internal/logging"
	"github.com/timzifer/dbconn/internal/reload"
	"github.com/timzifer/dbconn/service"
)

// sources names the files a service is built from.
type sources struct {
	config         string
	settings       string
	settingsPrefix string
	listen         string
}

func (s sources) watched() []reload.Source {
	return []reload.Source{
		{Name: "config", Path: s.config},
		{Name: "settings", Path: s.settings},
	}
}

// load reads the configuration and applies the flat database settings and
// command line overrides on top of it.
func (s sources) load() (*config.Config, error) {
	cfg, err := config.Load(s.config)
	if err != nil {
		return nil, err
	}
	if s.settings != "" {
		settings, err := config.LoadSettings(s.settings)
		if err != nil {
			return nil, err
		}
		if _, err := cfg.ApplySettings(settings, s.settingsPrefix); err != nil {
			return nil, err
		}
	}
	if s.listen != "" {
		cfg.Server.Listen = s.listen
	}
	return cfg, nil
}

func main() {
	var src sources
	flag.StringVar(&src.config, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&src.settings, "settings", "", "Path to a flat settings file declaring databases (dbconn.uri, dbconn.uri.<name>)")
	flag.StringVar(&src.settingsPrefix, "settings-prefix", config.DefaultSettingsPrefix, "Settings key holding the primary database uri")
	flag.StringVar(&src.listen, "listen", "", "Override the HTTP listen address")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(src); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := src.load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.HotReload {
		if err := runWithHotReload(ctx, src, cfg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Fatal().Err(err).Msg("service stopped")
		}
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	srv, err := service.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

func executeHealthCheck(src sources) error {
	cfg, err := src.load()
	if err != nil {
		return err
	}
	return service.Validate(cfg, zerolog.Nop())
}

func executeConfigCheck(cfg *config.Config) int {
	if err := service.Validate(cfg, zerolog.Nop()); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	layout, err := cfg.Databases.Layout()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	if len(layout) == 0 {
		fmt.Println("No databases configured.")
		return 0
	}
	for _, entry := range layout {
		fmt.Printf("Database %s\n", logging.DatabaseLabel(entry.Name))
		fmt.Printf("  URI: %s\n", redact(entry.URI))
	}
	if cfg.TransferLog.Enabled {
		sink := cfg.TransferLog.Sink
		if sink == "" {
			sink = "stdout"
		}
		fmt.Printf("Transfer log: %s (threshold %s)\n", sink, cfg.TransferLog.ThresholdDuration())
	}
	fmt.Println("Configuration check completed successfully.")
	return 0
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}

func runWithHotReload(ctx context.Context, src sources, initialCfg *config.Config) error {
	watcher, err := reload.NewWatcher(src.watched()...)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	var applied []reload.Change
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return err
		}
		log.Logger = logger
		for _, change := range applied {
			logger.Info().Str("source", change.Name).Str("path", change.Path).Bool("removed", change.Removed).Msg("configuration reloaded")
		}

		srv, err := service.New(cfg, logger)
		if err != nil {
			cleanup()
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				srv.Close()
				cleanup()
				if err != nil {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				srv.Close()
				cleanup()
				return err
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := src.load()
				if err == nil {
					err = service.Validate(newCfg, logger)
				}
				if err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid, keeping current service")
					// retry on the next edit only
					_ = watcher.Update(src.watched()...)
					continue
				}
				// in-flight requests drain before the old registry closes
				cancelRun()
				if err := <-errCh; err != nil {
					logger.Error().Err(err).Msg("service stopped during reload")
				}
				srv.Close()
				cleanup()
				if err := watcher.Update(src.watched()...); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				applied = changes
				cfg = newCfg
				break loop
			}
		}
	}
}
