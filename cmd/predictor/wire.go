package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrodnm/pricebands/config"
	"github.com/alejandrodnm/pricebands/internal/adapters/binance"
	"github.com/alejandrodnm/pricebands/internal/adapters/memory"
	"github.com/alejandrodnm/pricebands/internal/adapters/metrics"
	"github.com/alejandrodnm/pricebands/internal/adapters/notify"
	"github.com/alejandrodnm/pricebands/internal/adapters/redisstore"
	"github.com/alejandrodnm/pricebands/internal/adapters/storage"
	"github.com/alejandrodnm/pricebands/internal/application/cooldown"
	"github.com/alejandrodnm/pricebands/internal/application/engine"
	"github.com/alejandrodnm/pricebands/internal/application/settlement"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app agrupa los componentes ya cableados.
type app struct {
	engine   *engine.Engine
	sweep    *settlement.Sweep
	refiller *cooldown.Refiller
	reporter *notify.Console
	sqlite   *storage.SQLiteStorage // nil con backend memory

	registry *prometheus.Registry
	closers  []func() error
}

// persistence son los puertos que cubre un backend de almacenamiento.
type persistence interface {
	ports.PredictionStore
	ports.SlotLedger
	ports.CooldownRegistry
	ports.ErrorLog
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var store persistence
	switch cfg.Storage.Backend {
	case "memory":
		slog.Warn("using in-memory storage, data is lost on exit")
		store = memory.NewStore(cfg.Predictor.DailySlots)
	default:
		s, err := storage.NewSQLiteStorage(cfg.Storage.DSN, cfg.Predictor.DailySlots)
		if err != nil {
			return nil, fmt.Errorf("build: storage: %w", err)
		}
		a.sqlite = s
		a.closers = append(a.closers, s.Close)
		store = s
	}

	var cooldowns ports.CooldownRegistry = store
	if cfg.Redis.Addr != "" {
		rc, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("build: redis: %w", err)
		}
		a.closers = append(a.closers, rc.Close)
		cooldowns = rc
	}

	engCfg, err := cfg.EngineConfig()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build: %w", err)
	}

	oracle := binance.NewClient(cfg.OracleOptions())
	rec := metrics.New(a.registry)
	trigger := cooldown.NewTrigger(store, cooldowns, cfg.CooldownSettings())

	a.reporter = notify.NewConsole(cfg.Settlement.Table, engCfg.Location)
	a.refiller = cooldown.NewRefiller(store, cooldowns, cfg.CooldownSettings())
	a.engine = engine.New(engine.Deps{
		Store:     store,
		Ledger:    store,
		Cooldowns: cooldowns,
		Oracle:    oracle,
		Trigger:   trigger,
		Errors:    store,
		Metrics:   rec,
	}, engCfg)
	a.sweep = settlement.New(store, oracle, trigger, rec, a.reporter, cfg.SweepConfig())
	return a, nil
}

// Close cierra los recursos en orden inverso.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}

// serveMetrics expone /metrics en addr. Devuelve la función de apagado.
func (a *app) serveMetrics(addr string) func(context.Context) {
	if addr == "" {
		return func(context.Context) {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "err", err)
		}
	}()
	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("metrics shutdown", "err", err)
		}
	}
}
