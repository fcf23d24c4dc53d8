package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"carledger/api/grpcserver"
	"carledger/config"
	"carledger/infra/kafka"
	"carledger/infra/monitoring"
	"carledger/infra/outbox"
	"carledger/jobs/broadcaster"
	"carledger/service"
)

type Options struct {
	ConfigFile  string `short:"c" long:"config" description:"path to a YAML config file"`
	DataPath    string `long:"data-path" description:"directory holding logs and indexes"`
	Listen      string `long:"listen" description:"gRPC listen address"`
	MetricsAddr string `long:"metrics-listen" description:"metrics listen address, empty disables"`
	LogLevel    string `long:"log-level" description:"panic, fatal, error, warn, info, debug or trace"`
}

func main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		logrus.WithField("action", "startup").WithError(err).Fatal("invalid configuration")
	}
	logger, err := cfg.Logger()
	if err != nil {
		logrus.WithField("action", "startup").WithError(err).Fatal("invalid log configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Fatal("ledgerd stopped with an error")
	}
	logger.WithField("action", "shutdown").Info("ledgerd stopped")
}

// loadConfig applies the config file, then the environment, then flags.
func loadConfig(opts Options) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return cfg, err
	}
	if err := config.FromEnv(&cfg); err != nil {
		return cfg, err
	}
	if opts.DataPath != "" {
		cfg.DataPath = opts.DataPath
	}
	if opts.Listen != "" {
		cfg.GRPC.Listen = opts.Listen
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Listen = opts.MetricsAddr
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	return cfg, cfg.Validate()
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	// ---------------- Outbox ----------------

	var (
		ob   *outbox.Outbox
		sink service.EventSink
	)
	if cfg.Outbox.Path != "" {
		var err error
		if ob, err = outbox.Open(cfg.Outbox.Path); err != nil {
			return err
		}
		defer ob.Close()
		sink = ob
	}

	// ---------------- Ledger ----------------

	ledger, err := service.Open(ctx, cfg.Ledger(), logger, metrics, sink)
	if err != nil {
		return errors.Wrap(err, "open ledger")
	}
	defer ledger.Close()

	g, ctx := errgroup.WithContext(ctx)

	// ---------------- Background jobs ----------------

	if cfg.Compaction.Enabled {
		g.Go(func() error {
			return ledger.RunCompactionJob(ctx, cfg.Compaction.Interval, cfg.Compaction.MinGarbage)
		})
	}

	if ob != nil && len(cfg.Kafka.Brokers) > 0 {
		pub, err := kafka.NewPublisher(cfg.Kafka.Driver, cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		bc := broadcaster.New(ob, pub, logger, metrics, broadcaster.Options{
			Interval:        cfg.Kafka.Interval,
			MaxRetries:      cfg.Kafka.MaxRetries,
			PublishAttempts: cfg.Kafka.PublishAttempts,
		})
		defer bc.Close()
		g.Go(func() error { return bc.Run(ctx) })
	}

	// ---------------- Metrics ----------------

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPC.Listen)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", cfg.GRPC.Listen)
	}
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(
		grpcserver.UnaryInterceptor(logger, metrics, cfg.GRPC.RequestTimeout)))
	grpcserver.Register(grpcSrv, grpcserver.NewServer(ledger))

	g.Go(func() error {
		logger.WithField("action", "startup").
			WithField("listen", cfg.GRPC.Listen).
			WithField("data_path", cfg.DataPath).
			Info("ledgerd serving")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		grpcSrv.GracefulStop()
		return nil
	})

	return g.Wait()
}
