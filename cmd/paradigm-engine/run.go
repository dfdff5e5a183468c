package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paradigm-network/paradigm-engine/api"
	"github.com/paradigm-network/paradigm-engine/config"
	"github.com/paradigm-network/paradigm-engine/engine"
	"github.com/paradigm-network/paradigm-engine/logging"
	"github.com/paradigm-network/paradigm-engine/network"
	"github.com/paradigm-network/paradigm-engine/state"
)

const gaugeInterval = time.Second

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the execution node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

// openState opens the configured backend and applies the genesis file.
func openState(cfg config.StateConfig, logger *zap.Logger) (state.Access, func() error, error) {
	var (
		st      state.Access
		closeFn = func() error { return nil }
	)
	switch cfg.Backend {
	case config.BackendLevelDB:
		lvl, err := state.OpenLevelState(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		st, closeFn = lvl, lvl.Close
	default:
		st = state.NewMemState()
	}

	if cfg.Genesis != "" {
		f, err := os.Open(cfg.Genesis)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}
		defer f.Close()

		g, err := state.ReadGenesis(f)
		if err != nil {
			_ = closeFn()
			return nil, nil, err
		}
		n, err := g.Apply(st)
		if err != nil {
			_ = closeFn()
			return nil, nil, fmt.Errorf("apply genesis: %w", err)
		}
		logger.Info("genesis applied", zap.Int("accounts", len(g)), zap.Int("funded", n))
	}
	return st, closeFn, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, closeState, err := openState(cfg.State, logger)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer func() {
		if err := closeState(); err != nil {
			logger.Warn("close state", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := api.NewMetrics(cfg.Metrics.Namespace, reg)

	eng := engine.New(cfg.Engine, st,
		engine.WithLogger(logger.Named("engine")),
		engine.WithObserver(metrics))
	defer eng.Close()

	var sinks []engine.ReportSink
	if cfg.Publisher.Enabled {
		pub := network.NewPublisher(cfg.NetworkPublisherConfig(), logger.Named("publisher"))
		if err := pub.Start(); err != nil {
			return err
		}
		defer pub.Stop()
		sinks = append(sinks, pub)
	}

	svc := engine.NewService(cfg.Service, eng, logger.Named("service"), sinks...)
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()

	var handler *api.ArrowHandler
	if cfg.Arrow.Mode == api.ModeSubmit {
		handler = api.NewSubmitHandler(svc, logger.Named("arrow"))
	} else {
		handler = api.NewArrowHandler(eng, cfg.Service.ExecutionTimeout, logger.Named("arrow"))
	}
	arrowServer := api.NewArrowServer(cfg.Arrow, handler, metrics, logger.Named("arrow"))
	if err := arrowServer.StartAsync(cfg.Arrow.Address); err != nil {
		return err
	}
	defer arrowServer.Stop()
	if cfg.Arrow.Auth.Enabled && cfg.Arrow.Auth.Token == "" {
		logger.Info("generated ingress auth token", zap.String("token", arrowServer.Authenticator().GetToken()))
	}

	if cfg.GRPC.Enabled {
		grpcServer := api.NewServer(cfg.ServerConfig(), svc, logger.Named("grpc"))
		if err := grpcServer.StartAsync(cfg.GRPC.Address); err != nil {
			return err
		}
		defer grpcServer.Stop()
	}

	if cfg.Metrics.Enabled {
		metricsServer := api.NewMetricsServer(cfg.Metrics.Address, reg, func() bool {
			return svc.GetStatus() == engine.StatusActive
		})
		if err := metricsServer.StartAsync(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Stop(shutdownCtx)
		}()
		logger.Info("metrics server started", zap.String("address", metricsServer.Addr()))
	}

	logger.Info("node started",
		zap.String("state", cfg.State.Backend),
		zap.String("ingress_mode", cfg.Arrow.Mode),
		zap.Int("workers", cfg.Engine.MaxWorkerThreads),
		zap.Bool("speculative", cfg.Engine.EnableSpeculativeExecution))

	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", zap.Any("service", svc.GetStats()))
			if err := ctx.Err(); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-ticker.C:
			metrics.UpdateMempoolSize(svc.Mempool().Size())
			metrics.UpdateWorkerPool(eng.GetStats().Pool)
		case outcome := <-svc.Outcomes():
			logOutcome(logger, outcome)
		}
	}
}

func logOutcome(logger *zap.Logger, o *engine.BatchOutcome) {
	fields := []zap.Field{
		zap.Stringer("batch_id", o.Report.BatchID),
		zap.String("mode", o.Report.Mode),
		zap.Int("transactions", o.Report.Transactions),
		zap.Int("succeeded", o.Report.Succeeded),
		zap.Int("failed", o.Report.Failed),
		zap.Int("waves", o.Report.Waves),
		zap.Int("rollbacks", o.Report.Rollbacks),
		zap.Duration("wall_time", o.Report.WallTime),
	}
	if o.Err != nil {
		logger.Warn("batch incomplete", append(fields, zap.Int("requeued", len(o.Requeued)), zap.Int("not_executed", len(o.Failed)), zap.Error(o.Err))...)
		return
	}
	logger.Debug("batch executed", fields...)
}
