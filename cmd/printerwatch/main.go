// Command printerwatch runs the per-printer anomaly detector: it consumes
// observations, keeps the debounce counters in the profile store and
// publishes an event each time a printer's window fills.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"printerwatch/internal/api"
	"printerwatch/internal/config"
	"printerwatch/internal/dispatch"
	"printerwatch/internal/engine"
	"printerwatch/internal/events"
	"printerwatch/internal/ingest"
	"printerwatch/internal/logging"
	"printerwatch/internal/metrics"
	"printerwatch/internal/model"
	"printerwatch/internal/mqtt"
	"printerwatch/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to a yaml or json config file")
	logLevel := flag.String("log-level", "", "Override log_level from the config")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, *configPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Manager, error) {
	if path == "" {
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}

func run(ctx context.Context, configPath, logLevel string) error {
	cfgMgr, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgMgr.Get()
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := logging.New(os.Stdout, logLevel, cfg.LogFormat)
	logger.Info("printerwatch starting", "version", version, "config", cfgMgr.Path())

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init %s store: %w", store.Driver(), err)
	}
	if cfg.Storage.SeedFile != "" {
		n, err := storage.Seed(ctx, store, cfg.Storage.SeedFile)
		if err != nil {
			return fmt.Errorf("seed profiles: %w", err)
		}
		logger.Info("profiles seeded", "file", cfg.Storage.SeedFile, "created", n)
	}

	collectors := metrics.New()
	recent := events.NewStore(cfg.Events.StoreLimit)
	hub := events.NewHub(logger)

	// one MQTT connection serves both the inbound subscription and the
	// outbound publisher
	var mqttClient *mqtt.Client
	if cfg.Ingest.MQTT.Enabled || cfg.Dispatch.Transport == "mqtt" {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer mqttClient.Close()
	}

	pub, closePub, err := newPublisher(cfg, mqttClient, logger)
	if err != nil {
		return err
	}
	defer closePub()
	dispatcher := dispatch.New(pub, dispatch.Options{
		Topic:       cfg.Dispatch.Topic,
		Retries:     cfg.Dispatch.Retries,
		MinInterval: cfg.Detection.RetryMinInterval,
		MaxInterval: cfg.Detection.RetryMaxInterval,
		Recorder:    recent,
		Hub:         hub,
		Metrics:     collectors,
		Logger:      logger,
	})
	eng := engine.NewEngine(cfgMgr, store, dispatcher, collectors, logger)

	observations := make(chan model.Observation, cfg.Ingest.ChannelBuffer)
	sink := ingest.Sink{Out: observations, Metrics: collectors, Logger: logger}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	// abort stops everything already started before returning err
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		eng.Run(gctx, observations)
		return nil
	})
	g.Go(func() error {
		cfgMgr.Watch(3*time.Second, func(c *config.Config) {
			logger.Info("config reloaded", "path", cfgMgr.Path(), "log_ranking", c.Detection.LogRanking)
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, gctx.Done())
		return nil
	})

	if cfg.Ingest.MQTT.Enabled {
		if err := ingest.StartMQTT(gctx, cfgMgr, mqttClient, sink); err != nil {
			return abort(fmt.Errorf("start mqtt ingest: %w", err))
		}
	}
	ingest.StartKafka(gctx, cfgMgr, sink)
	ingest.StartREST(gctx, cfgMgr, sink)
	if _, err := ingest.StartTCPStream(gctx, cfgMgr, sink); err != nil {
		return abort(fmt.Errorf("start tcp stream ingest: %w", err))
	}
	server := api.NewServer(cfgMgr, eng, api.Options{
		Version: version,
		Events:  recent,
		Live:    hub,
		Metrics: collectors,
		Logger:  logger,
	})
	api.Start(gctx, cfgMgr, server, logger)

	logger.Info("printerwatch running",
		"storage", store.Driver(),
		"dispatch", cfg.Dispatch.Transport,
		"event_topic", dispatcher.Topic(),
		"workers", cfg.Ingest.Workers,
	)
	err = g.Wait()
	logger.Info("printerwatch stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newPublisher(cfg *config.Config, client *mqtt.Client, logger *slog.Logger) (dispatch.Publisher, func(), error) {
	switch cfg.Dispatch.Transport {
	case "mqtt":
		return client, func() {}, nil
	case "kafka":
		p, err := dispatch.NewKafkaPublisher(cfg.Dispatch.Kafka)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	case "log":
		return dispatch.NewLogPublisher(logger), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unsupported dispatch transport %q", cfg.Dispatch.Transport)
}
