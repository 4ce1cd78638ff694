// The agent runs on a reseller's field terminal: it keeps the local queue and
// payment ledger on disk, watches connectivity, and drains pending actions
// against the backend whenever a link is available.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rutapos/core/internal/agentapi"
	"rutapos/core/internal/config"
	"rutapos/core/internal/connectivity"
	"rutapos/core/internal/engine"
	"rutapos/core/internal/ledger"
	"rutapos/core/internal/metrics"
	"rutapos/core/internal/notify"
	"rutapos/core/internal/queue"
	"rutapos/core/internal/remote"
	"rutapos/core/internal/store"
	memstore "rutapos/core/internal/store/memory"
	"rutapos/core/internal/store/sqlite"
	"rutapos/core/internal/syncer"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.LoadAgent()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DataDir != "" {
		st, err = sqlite.Open(cfg.DataDir)
		if err != nil {
			logger.Fatal("open local store", zap.String("data_dir", cfg.DataDir), zap.Error(err))
		}
		logger.Info("local store: sqlite", zap.String("data_dir", cfg.DataDir))
	} else {
		st = memstore.New()
		logger.Warn("local store: in-memory; queued work will not survive a restart")
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	dispatchers := notify.Multi{notify.NewLogDispatcher(logger)}
	if cfg.NATSURL != "" {
		nd, err := notify.NewNATSDispatcher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("nats unavailable, events stay local", zap.Error(err))
		} else {
			defer nd.Close()
			dispatchers = append(dispatchers, nd)
		}
	}
	notifier := notify.Dispatcher(dispatchers)

	q, err := queue.Load(ctx, st, notifier, logger, queue.WithMaxAttempts(cfg.MaxAttempts))
	if err != nil {
		logger.Fatal("load action queue", zap.Error(err))
	}
	if recovered := q.RecoverInFlight(ctx); recovered > 0 {
		logger.Info("recovered in-flight actions from previous run", zap.Int("count", recovered))
	}

	l, err := ledger.Load(ctx, st, notifier, logger)
	if err != nil {
		logger.Fatal("load payment ledger", zap.Error(err))
	}

	src := remote.NewHTTPSource(cfg.ServerURL, cfg.Username, cfg.Password, cfg.SubmitTimeout, logger)

	rec := syncer.NewReconciler(notifier, m, logger)
	sched, err := syncer.NewScheduler(ctx, q, src, st, rec, notifier, m, logger, syncer.Config{
		Interval:      cfg.SyncInterval,
		SubmitTimeout: cfg.SubmitTimeout,
	})
	if err != nil {
		logger.Fatal("init sync scheduler", zap.Error(err))
	}

	monitor := connectivity.NewMonitor(func(ctx context.Context) bool {
		return src.Health(ctx) == nil
	}, cfg.ProbeInterval, cfg.StabilizationWindow, logger)
	monitor.OnEdge(func(edge connectivity.Edge) {
		if edge.Online {
			m.Online.Set(1)
			sched.TriggerNow("connectivity restored")
		} else {
			m.Online.Set(0)
		}
	})

	sweeper := ledger.NewSweeper(l, cfg.SweepInterval, m, logger)
	eng := engine.New(q, l, sched, cfg.PaymentWindow)

	go monitor.Run(ctx)
	go sweeper.Run(ctx)
	go sched.Run(ctx)

	localServer := &http.Server{
		Addr:              cfg.LocalAddr,
		Handler:           agentapi.New(eng, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		logger.Info("terminal API listening", zap.String("addr", cfg.LocalAddr))
		if err := localServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("terminal API server", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = localServer.Shutdown(shutdownCtx)
	}()

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("agent running",
		zap.String("server_url", cfg.ServerURL),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Int("queued", q.Len()),
	)

	<-ctx.Done()
	logger.Info("agent stopped")
}
