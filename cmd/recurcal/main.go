package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recurcal/internal/config"
	"recurcal/internal/instances"
	appLog "recurcal/internal/log"
	"recurcal/internal/notify"
	"recurcal/internal/refresh"
	"recurcal/internal/store"
	"recurcal/internal/web"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Resolve(flags.configPath, flags.envFile)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	defer appLog.Sync()

	appLog.Info("recurcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"driver", conf.Database.Driver,
		"max_per_event", conf.Instances.MaxPerEvent,
		"refresh_cron", conf.Refresh.Cron,
		"page_size", conf.Refresh.PageSize,
		"workers", conf.Refresh.Workers,
		"cache", conf.Cache.Enabled,
		"amqp", conf.AMQP.Enabled,
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("recurcal exited with error", err)
		os.Exit(1)
	}
	appLog.Info("recurcal exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	db, err := store.Open(ctx, conf.Database.Driver, conf.Database.DSN, store.WithDefaultLocation(conf.Location()))
	if err != nil {
		return err
	}
	defer db.Close()

	var instanceStore store.Instances = db
	if conf.Cache.Enabled {
		cached, err := store.NewCached(db, conf.Cache.Size)
		if err != nil {
			return err
		}
		instanceStore = cached
	}

	metrics := refresh.NewMetrics("recurcal")
	orch, err := refresh.New(refresh.Options{
		Generator: instances.New(conf.Instances.MaxPerEvent),
		Store:     instanceStore,
		Loader:    db,
		Catalog:   db,
		Metrics:   metrics,
		PageSize:  conf.Refresh.PageSize,
		Workers:   conf.Refresh.Workers,
	})
	if err != nil {
		return err
	}

	if once {
		_, err := orch.RefreshAll(ctx)
		return err
	}

	if conf.Refresh.Cron != "" {
		periodic, err := refresh.NewPeriodic(ctx, cronSpec(conf), orch)
		if err != nil {
			return err
		}
		periodic.Start()
		defer periodic.Stop()
	}

	if conf.AMQP.Enabled {
		listener, err := notify.NewAMQPListener(conf.AMQP.URL, conf.AMQP.Queue, orch)
		if err != nil {
			return err
		}
		defer func() {
			if err := listener.Stop(); err != nil {
				appLog.Error("amqp listener stop failed", err)
			}
		}()
		if err := listener.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, instanceStore, orch, metrics.Registry()).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// cronSpec pins the refresh schedule to the configured time zone.
func cronSpec(conf *config.Config) string {
	if conf.Timezone == "" || conf.Timezone == "UTC" {
		return conf.Refresh.Cron
	}
	return "CRON_TZ=" + conf.Timezone + " " + conf.Refresh.Cron
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/recurcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Optional dotenv file with RECURCAL_* overrides")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one full refresh pass and exit")

	flag.Parse()

	return cfg
}
