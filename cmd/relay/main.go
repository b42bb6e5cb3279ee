package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/realtime-core/internal/alert"
	"github.com/rickgao/realtime-core/internal/config"
	"github.com/rickgao/realtime-core/internal/connection"
	"github.com/rickgao/realtime-core/internal/database"
	"github.com/rickgao/realtime-core/internal/dispatch"
	"github.com/rickgao/realtime-core/internal/errhandler"
	"github.com/rickgao/realtime-core/internal/health"
	"github.com/rickgao/realtime-core/internal/metrics"
	"github.com/rickgao/realtime-core/internal/processor"
	"github.com/rickgao/realtime-core/internal/server"
	"github.com/rickgao/realtime-core/internal/snapshot"
	"github.com/rickgao/realtime-core/internal/store"
	"github.com/rickgao/realtime-core/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relay.local.yaml", "path to config file")
	flag.Parse()

	// Bootstrap logger until the configured one is available
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger = cfg.Logging.NewLogger(os.Stdout).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting relay", version.Attr(), "config", *configPath)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
	logger.Info("relay stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Handle shutdown signals
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Components run on their own context so the shutdown sequence,
	// not the signal, decides when each one stops.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional database for exports
	var pool *pgxpool.Pool
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		p, err := database.Connect(sigCtx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		pool = p

		if cfg.Database.Migrate {
			if err := store.Migrate(sigCtx, pool); err != nil {
				return err
			}
		}
	}

	// Alerts
	alerters := alert.Multi{alert.NewLogNotifier(logger)}
	var nc *nats.Conn
	if cfg.Alerts.NATSURL != "" {
		c, err := alert.Dial(cfg.Alerts.NATSURL, "relay-"+cfg.Instance.ID, logger)
		if err != nil {
			return err
		}
		nc = c
		defer nc.Close()
		alerters = append(alerters, alert.NewNATSNotifier(nc, cfg.Alerts.SubjectPrefix, logger))
	}

	// Metrics
	collector := metrics.New(prometheus.DefaultRegisterer)
	if *cfg.Metrics.Enabled {
		if err := collector.Register(); err != nil {
			return err
		}
	}

	// Writers
	var (
		errWriter  *store.ErrorWriter
		snapWriter *store.SnapshotWriter
	)
	ehOpts := []errhandler.Option{
		errhandler.WithAlerter(alerters),
		errhandler.WithRecorder(collector),
	}
	if pool != nil {
		errWriter = store.NewErrorWriter(cfg.Writer(), pool, logger)
		snapWriter = store.NewSnapshotWriter(cfg.Writer(), pool, cfg.Instance.ID, logger)
		if err := errWriter.Start(ctx); err != nil {
			return err
		}
		if err := snapWriter.Start(ctx); err != nil {
			return err
		}
		ehOpts = append(ehOpts, errhandler.WithSink(errWriter))
	}

	eh := errhandler.New(cfg.ErrorHandler(), logger, ehOpts...)

	// Connection registry
	regOpts := []connection.Option{
		connection.WithReporter(eh),
		connection.WithRecorder(collector),
	}
	validator, err := cfg.Auth.Validator()
	if err != nil {
		return err
	}
	if validator != nil {
		regOpts = append(regOpts, connection.WithValidator(validator))
	}
	registry := connection.New(cfg.Registry(), logger, regOpts...)
	eh.SetConnectionRecoverer(registry)

	// Dispatcher and processor
	dispatcher := dispatch.New(cfg.Dispatcher(), registry, logger,
		dispatch.WithReporter(eh),
		dispatch.WithRecorder(collector),
	)
	proc := processor.New(cfg.ProcessorConfig(), logger,
		processor.WithReporter(eh),
		processor.WithRecorder(collector),
	)
	if err := registerHandlers(proc, dispatcher); err != nil {
		return err
	}

	collector.WatchQueue(proc.QueueStatus)
	collector.WatchConnections(registry.Stats)

	// Health
	checkOpts := []health.Option{
		health.WithConnections(registry),
		health.WithProcessor(proc),
		health.WithErrors(eh),
	}
	if pool != nil {
		checkOpts = append(checkOpts, health.WithDatabase(pool))
	}
	checker := health.NewChecker(cfg.HealthChecker(), checkOpts...)

	var snapHandler snapshot.Handler
	if snapWriter != nil {
		snapHandler = snapshot.HandlerFunc(func(st health.Status) error {
			if !snapWriter.Enqueue(st) {
				return errSnapshotDropped
			}
			return nil
		})
	}
	poller := snapshot.New(cfg.Poller(), checker, snapHandler, logger)

	// Server
	srvOpts := []server.Option{
		server.WithHealth(checker),
		server.WithBreakers(eh),
	}
	if *cfg.Metrics.Enabled {
		srvOpts = append(srvOpts, server.WithMetrics(prometheus.DefaultGatherer))
	}
	srv := server.New(cfg.HTTPServer(), registry, proc, dispatcher, logger, srvOpts...)

	// Start components
	if err := registry.Start(ctx); err != nil {
		return err
	}
	if err := proc.Start(ctx); err != nil {
		return err
	}
	if err := poller.Start(ctx); err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info("relay running",
		"addr", srv.Addr(),
		"handlers", proc.HandlerTypes(),
		"auth_required", cfg.Auth.Required,
		"exports", pool != nil,
		"nats_alerts", nc != nil,
	)

	// Wait for shutdown
	<-sigCtx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	shutdown(shutdownCtx, logger,
		step{"server", srv.Stop},
		step{"processor", proc.Stop},
		step{"registry", registry.Stop},
		step{"read pumps", srv.Wait},
		step{"snapshot poller", poller.Stop},
		step{"error handler", eh.Close},
	)
	if errWriter != nil {
		shutdown(shutdownCtx, logger,
			step{"error writer", errWriter.Stop},
			step{"snapshot writer", snapWriter.Stop},
		)
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn("nats drain failed", "error", err)
		}
	}
	return nil
}

var errSnapshotDropped = errors.New("snapshot buffer full")

type step struct {
	name string
	stop func(context.Context) error
}

// shutdown runs each step in order, logging rather than aborting on failure.
func shutdown(ctx context.Context, logger *slog.Logger, steps ...step) {
	for _, s := range steps {
		start := time.Now()
		if err := s.stop(ctx); err != nil {
			logger.Warn("shutdown step failed", "step", s.name, "error", err)
			continue
		}
		logger.Debug("shutdown step done", "step", s.name, "elapsed", time.Since(start))
	}
}
