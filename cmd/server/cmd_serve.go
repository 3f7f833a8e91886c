package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/config"
	"github.com/t77yq/agent-orchestrator/internal/handler"
	"github.com/t77yq/agent-orchestrator/internal/logging"
	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/monitor"
	"github.com/t77yq/agent-orchestrator/internal/orchestrator"
	"github.com/t77yq/agent-orchestrator/internal/service"
	"github.com/t77yq/agent-orchestrator/internal/storage"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			go func() {
				select {
				case sig := <-sigCh:
					logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
					cancel()
				case <-ctx.Done():
				}
			}()

			return serve(ctx, cfg, logger)
		},
	}
}

// serve wires every component, blocks until ctx is done and shuts down
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}

	recorder := monitor.NewRecorder(cfg.Metrics.PercentileInterval, logger)
	sampler := monitor.NewResourceSampler(0, logger)
	opts := []orchestrator.Option{
		orchestrator.WithRecorder(recorder),
		orchestrator.WithResourceSampler(sampler),
	}

	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = connectNATS(cfg, logger)
		if err != nil {
			store.Close()
			return err
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		publisher, err := service.NewEventPublisher(js, cfg.NATS.BufferSize, logger)
		if err != nil {
			store.Close()
			return err
		}
		publisher.Start()
		opts = append(opts, orchestrator.WithEventSink(publisher))
	}

	ocfg, err := orchestratorConfig(cfg)
	if err != nil {
		store.Close()
		return err
	}

	client := handler.NewCompletionClient(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.Timeout, logger)
	orch := orchestrator.New(ocfg, store, handler.DefaultRegistry(client, logger), logger, opts...)
	if err := orch.Initialize(ctx); err != nil {
		_ = orch.Shutdown(context.Background())
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		metricsSrv = newMetricsServer(cfg.Metrics, recorder, sampler)
		go func() {
			logger.Info("Serving metrics",
				zap.String("listen", cfg.Metrics.Listen),
				zap.String("path", cfg.Metrics.Path))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Orchestrator running",
		zap.String("app", cfg.App.Name),
		zap.Int("agents", len(ocfg.AgentTypes)),
		zap.Int("recurring", len(ocfg.Recurring)))

	go reportStats(ctx, orch, cfg.Metrics.PercentileInterval, logger)

	<-ctx.Done()

	// The grace period bounds the pools; the margin covers the event sink
	// and the store.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownGrace+10*time.Second)
	defer shutdownCancel()

	var errs []error
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}

	logger.Info("Server shut down")
	return errors.Join(errs...)
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (storage.TaskStore, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		return storage.NewSQLiteStore(logger, cfg.Path)
	}
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	retries := cfg.NATS.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	var (
		nc  *nats.Conn
		err error
	)
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		if i < retries-1 {
			time.Sleep(time.Second * time.Duration(i+1))
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", retries, err)
}

// orchestratorConfig converts the file configuration
func orchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	oc := cfg.Orchestrator
	out := orchestrator.Config{
		AgentTypes:         cfg.EnabledAgents(),
		Agents:             make(map[model.AgentType]orchestrator.AgentConfig),
		HealthInterval:     oc.HealthInterval,
		DegradedThreshold:  oc.DegradedThreshold,
		ShutdownGrace:      oc.ShutdownGrace,
		StallTimeout:       oc.StallTimeout,
		KeepCompleted:      oc.KeepCompleted,
		KeepFailed:         oc.KeepFailed,
		PercentileInterval: cfg.Metrics.PercentileInterval,
		HistoryRetention:   oc.HistoryRetention,
		CleanupInterval:    oc.CleanupInterval,
	}
	if len(out.AgentTypes) == 0 {
		return orchestrator.Config{}, orchestrator.ErrNoAgents
	}

	for _, t := range out.AgentTypes {
		a := cfg.Agents[string(t)]
		out.Agents[t] = orchestrator.AgentConfig{
			Concurrency: a.Concurrency,
			Policy:      a.Policy,
			Settings:    a.Settings,
		}
	}

	for i, r := range cfg.Recurring {
		priority, err := model.ParsePriority(r.Priority)
		if err != nil {
			return orchestrator.Config{}, fmt.Errorf("recurring[%d]: %w", i, err)
		}
		var input json.RawMessage
		if r.Input != "" {
			input = json.RawMessage(r.Input)
		}
		out.Recurring = append(out.Recurring, orchestrator.RecurringRequest{
			AgentType: model.AgentType(r.AgentType),
			TaskType:  r.TaskType,
			Input:     input,
			Cron:      r.Cron,
			Priority:  priority,
			Policy:    cfg.Agents[r.AgentType].Policy,
		})
	}
	return out, nil
}

func newMetricsServer(cfg config.MetricsConfig, recorder *monitor.Recorder, sampler *monitor.ResourceSampler) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		monitor.NewPrometheusCollector(recorder, sampler),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// reportStats logs a metrics summary every interval
func reportStats(ctx context.Context, orch *orchestrator.Orchestrator, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStats(orch, logger)
		}
	}
}

func logStats(orch *orchestrator.Orchestrator, logger *zap.Logger) {
	snapshot := orch.MetricsSnapshot()
	logger.Info("Orchestrator metrics",
		zap.String("summary", strings.TrimSpace(snapshot.Summary())),
		zap.Int("alerts", len(orch.HealthAlerts())))
	logger.Debug("Orchestrator metrics values",
		zap.String("values", snapshot.KeyValues()))
}
