package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/berfenger/sunspec-collector/internal/buffer"
	"github.com/berfenger/sunspec-collector/internal/collector"
	"github.com/berfenger/sunspec-collector/internal/config"
	"github.com/berfenger/sunspec-collector/internal/discovery"
	metricssink "github.com/berfenger/sunspec-collector/internal/metrics"
	"github.com/berfenger/sunspec-collector/internal/server"
	"github.com/berfenger/sunspec-collector/internal/telemetry"
	"github.com/berfenger/sunspec-collector/internal/uplink"
	"github.com/berfenger/sunspec-collector/internal/watchdog"
	"github.com/berfenger/sunspec-collector/pkg/sunspec"
)

func main() {
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	safePrintConfig(*cfg)

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	registry := sunspec.NewRegistry()
	if err := registry.LoadDir(cfg.SunSpec.ModelDir); err != nil {
		logger.Fatal("failed to load sunspec model directory", zap.Error(err))
	}
	logger.Info("loaded sunspec model registry", zap.Int("models", registry.Len()))

	buf, err := buffer.Open(context.Background(), cfg.Buffer.Path)
	if err != nil {
		logger.Fatal("failed to open durable buffer", zap.Error(err))
	}
	defer buf.Close()

	promRegistry := prometheus.NewRegistry()
	sink := metricssink.NewSink(promRegistry)

	as := collector.NewActorSystemWithZapLogger(logger)
	root := as.Root

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	discoveryLog := logrus.New()
	discoveryLog.SetLevel(logrusLevel(cfg.LogLevel))

	discoveryCh, err := discovery.Run(ctx, discovery.Config{Discovery: cfg.Discovery, SunSpec: cfg.SunSpec}, discoveryLog)
	if err != nil {
		logger.Fatal("failed to start discovery", zap.Error(err))
	}

	telemetryCh := make(chan telemetry.Observation, cfg.ChannelCapacity)
	seq := telemetry.NewSequenceSource()

	supervisorProps := pactor.PropsFromProducer(func() pactor.Actor {
		return collector.NewSupervisorActor(
			discoveryCh,
			cfg.Supervisor,
			cfg.Modbus,
			cfg.Polling,
			cfg.SunSpec,
			registry,
			seq,
			telemetryCh,
			sink,
			logger,
		)
	})
	supervisorPID, err := root.SpawnNamed(supervisorProps, "supervisor")
	if err != nil {
		logger.Fatal("failed to spawn supervisor", zap.Error(err))
	}

	producer, err := uplink.NewProducer(cfg.Uplink)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	publisher := uplink.NewPublisher(producer, buf, cfg.Buffer, cfg.Uplink, sink, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Not bound to the signal context: the ingest loop keeps buffering
		// until the Supervisor closes telemetryCh during shutdown.
		if err := uplink.Ingest(context.Background(), telemetryCh, buf, cfg.Uplink.Topic, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("ingest loop exited", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("publisher loop exited", zap.Error(err))
		}
	}()

	// No explicit heartbeat interval is configured here: the notifier falls
	// back to whatever systemd advertises via WATCHDOG_USEC when the unit
	// sets WatchdogSec=, and is a no-op otherwise.
	notifier := watchdog.NewNotifier(0, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("watchdog notifier stopped", zap.Error(err))
		}
	}()

	httpServer := server.NewServer(*cfg, promRegistry)

	done := make(chan struct{})
	go gracefulShutdown(ctx, httpServer, root, supervisorPID, done)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server error", zap.Error(err))
	}

	<-done
	wg.Wait()
	as.Shutdown()
	log.Println("graceful shutdown complete")
}

// gracefulShutdown mirrors the teacher's own shutdown goroutine, extended
// to also stop the Supervisor (which in turn drains its Device Actors and
// closes the telemetry channel) before the HTTP server's own grace period
// expires.
func gracefulShutdown(ctx context.Context, httpServer *http.Server, root *pactor.RootContext, supervisorPID *pactor.PID, done chan struct{}) {
	<-ctx.Done()
	log.Println("shutting down gracefully, press Ctrl+C again to force")

	collector.Shutdown(root, supervisorPID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown with error: %v", err)
	}

	close(done)
}

func initConfig() (*config.Config, error) {
	setConfigDefaults()

	viper.SetEnvPrefix("sunspec")
	viper.AutomaticEnv()

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("using config file", "file", cfgFile)
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				slog.Error("error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	switch viper.GetString("log_level") {
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("port", 8080)
	viper.SetDefault("http_log", false)
	viper.SetDefault("channel_capacity", 256)

	viper.SetDefault("discovery.port", 502)
	viper.SetDefault("discovery.unit_ids", []uint{1})
	viper.SetDefault("discovery.concurrency_cap", 64)
	viper.SetDefault("discovery.per_host_timeout_ms", 200)

	viper.SetDefault("polling.poll_interval_ms", 1000)
	viper.SetDefault("polling.request_timeout_ms", 1000)
	viper.SetDefault("polling.jitter_ms", 0)
	viper.SetDefault("polling.emit_timeout_ms", 1000)

	viper.SetDefault("modbus.max_batch_size", 125)
	viper.SetDefault("modbus.modbus_timeout_ms", 3000)
	viper.SetDefault("modbus.max_retries", 3)
	viper.SetDefault("modbus.base_backoff_ms", 500)
	viper.SetDefault("modbus.max_backoff_ms", 30000)

	viper.SetDefault("sunspec.base_address", 40000)
	viper.SetDefault("sunspec.discovery_reg_count", 200)
	viper.SetDefault("sunspec.model_dir", "models")

	viper.SetDefault("buffer.path", "sunspec-buffer.sqlite")
	viper.SetDefault("buffer.batch_size", 100)
	viper.SetDefault("buffer.drain_ms", 500)
	viper.SetDefault("buffer.high_water", 1000)

	viper.SetDefault("uplink.topic", "sunspec.telemetry")
	viper.SetDefault("uplink.client_id", "sunspec-collector")
	viper.SetDefault("uplink.acks", "all")
	viper.SetDefault("uplink.compression", "zstd")
	viper.SetDefault("uplink.timeout_ms", 5000)
	viper.SetDefault("uplink.idempotence", true)
	viper.SetDefault("uplink.max_publish_backoff_ms", 30000)

	viper.SetDefault("supervisor.restart_backoff_ms", 1000)
	viper.SetDefault("supervisor.max_restart_attempts", 5)
	viper.SetDefault("supervisor.restart_window_ms", 60000)
	viper.SetDefault("supervisor.shutdown_grace_ms", 5000)
}

func safePrintConfig(cfg config.Config) {
	slog.Info("using", "config", fmt.Sprintf("%+v", cfg))
}

// logrusLevel translates the zap level chosen by initConfig into the
// logrus level the discovery package logs through, so both stay
// consistent with a single log_level setting.
func logrusLevel(level zapcore.Level) logrus.Level {
	switch level {
	case zap.DebugLevel:
		return logrus.DebugLevel
	case zap.WarnLevel:
		return logrus.WarnLevel
	case zap.ErrorLevel:
		return logrus.ErrorLevel
	case zap.FatalLevel:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}
