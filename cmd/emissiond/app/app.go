package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"emissionguard/internal/api"
	"emissionguard/internal/config"
	"emissionguard/internal/dispatch"
	"emissionguard/internal/livefeed"
	"emissionguard/internal/logging"
	"emissionguard/internal/monitor"
	"emissionguard/internal/publish"
	"emissionguard/internal/storage"
)

const (
	commandName = "emissiond"
	commandDesc = `emissiond monitors vehicle CO and CO2 emissions. It follows a live
telemetry feed when one is reachable, falls back to simulated readings when it
is not, and raises threshold alerts.`
	configPollInterval = 3 * time.Second
)

func NewCommand(ctx context.Context, version string) *cobra.Command {
	opts := NewOptions()
	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "Vehicle emission telemetry monitor",
		Long:         commandDesc,
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			return run(ctx, opts, version)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, opts *Options, version string) error {
	manager, err := opts.Manager()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := manager.Get()
	level := cfg.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger := logging.New(level, cfg.LogFormat, os.Stdout)
	logger.Info("starting", "version", version, "profile", cfg.Profile, "config", manager.Path())

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open alert archive: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("failed to init alert archive: %w", err)
		}
		defer store.Close()
		logger.Info("alert archive enabled", "driver", cfg.Storage.Driver)
	}

	var src livefeed.Source
	if cfg.Live.Enabled {
		src, err = livefeed.NewSource(cfg.Live, logger)
		if err != nil {
			return fmt.Errorf("failed to create live source: %w", err)
		}
		defer src.Close()
		logger.Info("live feed enabled", "transport", cfg.Live.Transport, "topics", cfg.Live.TopicTemplate)
	} else {
		logger.Info("live feed disabled, simulated data only")
	}

	dispatcher := dispatch.New(cfg.Dispatch.Buffer, logger)
	registry := monitor.NewRegistry(cfg,
		monitor.WithSource(src),
		monitor.WithSink(dispatcher),
		monitor.WithLogger(logger),
	)
	hub := api.NewHub(registry, logger)
	dispatcher.Register(hub)
	var archive api.AlertArchive
	if store != nil {
		dispatcher.Register(storage.NewArchive(store))
		archive = store
	}
	if cfg.Redis.Enabled {
		pub, err := publish.NewRedisPublisher(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis publisher unavailable", "addr", cfg.Redis.Addr, "err", err)
		} else {
			defer pub.Close()
			dispatcher.Register(pub)
			logger.Info("redis publisher enabled", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.ChannelPrefix)
		}
	}
	dispatcher.Start(ctx)

	srv := api.NewServer(manager, registry, archive, hub, logger, version)
	api.Start(ctx, manager, srv, logger)

	for _, id := range opts.StartupVehicles(cfg) {
		if _, err := registry.Start(id); err != nil {
			logger.Warn("failed to start monitoring", "vehicle_id", id, "err", err)
		}
	}

	stopWatch := make(chan struct{})
	go manager.Watch(configPollInterval, func(next *config.Config) {
		registry.UpdateConfig(next)
		logger.Info("config reloaded", "profile", next.Profile)
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stopWatch)

	<-ctx.Done()
	logger.Info("shutting down")
	close(stopWatch)
	shutdown(logger, registry, dispatcher, hub)
	return nil
}

func shutdown(logger *slog.Logger, registry *monitor.Registry, dispatcher *dispatch.Dispatcher, hub *api.Hub) {
	registry.StopAll()
	dispatcher.Close()
	hub.Close()
	logger.Info("stopped")
}
