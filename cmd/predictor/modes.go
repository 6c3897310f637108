package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/pricebands/config"
	"github.com/alejandrodnm/pricebands/internal/application/engine"
	"github.com/alejandrodnm/pricebands/internal/application/scheduler"
	"github.com/alejandrodnm/pricebands/internal/domain"
)

// runServe corre el sweep y el refill con cron hasta recibir una señal.
func runServe(ctx context.Context, a *app, cfg *config.Config) error {
	stopMetrics := a.serveMetrics(cfg.Metrics.Addr)

	runner := scheduler.New(ctx)
	if _, err := runner.Add("settlement", cfg.Settlement.Cron, func(ctx context.Context) error {
		_, err := a.sweep.SettleDue(ctx, time.Now(), cfg.Settlement.MaxAttempts)
		return err
	}); err != nil {
		return err
	}
	if cfg.Cooldown.RefillEnabled {
		if _, err := runner.Add("cooldown-refill", cfg.Cooldown.RefillCron, func(ctx context.Context) error {
			_, err := a.refiller.RunOnce(ctx, time.Now())
			return err
		}); err != nil {
			return err
		}
	}

	runner.Start()
	<-ctx.Done()
	slog.Info("shutdown requested, waiting for running jobs")
	runner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopMetrics(shutdownCtx)
	return nil
}

// runOnce completa los cooldowns vencidos y hace un sweep.
func runOnce(ctx context.Context, a *app, cfg *config.Config) error {
	now := time.Now()
	if cfg.Cooldown.RefillEnabled {
		n, err := a.refiller.RunOnce(ctx, now)
		if err != nil {
			slog.Warn("cooldown refill incomplete", "refilled", n, "err", err)
		}
	}
	_, err := a.sweep.SettleDue(ctx, now, cfg.Settlement.MaxAttempts)
	return err
}

type submitArgs struct {
	user     string
	symbol   string
	interval string
	row      int
	open     string
}

func runSubmit(ctx context.Context, a *app, args submitArgs) error {
	if args.user == "" {
		return errors.New("submit: -user is required")
	}
	step, ok := domain.IntervalDuration(args.interval)
	if !ok {
		return fmt.Errorf("submit: unsupported interval %q", args.interval)
	}

	open := time.Now().UTC().Truncate(step).Add(step)
	if args.open != "" {
		t, err := time.Parse(time.RFC3339, args.open)
		if err != nil {
			return fmt.Errorf("submit: -open: %w", err)
		}
		open = t
	}

	p, err := a.engine.CreatePrediction(ctx, args.user, engine.CreateRequest{
		Symbol:          args.symbol,
		Interval:        args.interval,
		Row:             args.row,
		TargetOpenTime:  open.UnixMilli(),
		TargetCloseTime: open.Add(step).UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("submit: %s: %w", domain.KindOf(err).Code(), err)
	}

	slog.Info("prediction created",
		"id", p.ID,
		"user", p.UserID,
		"day", p.TradingDay,
		"p0", p.P0.String(),
		"row", p.Row,
		"window_open", open.Format(time.RFC3339),
	)
	return nil
}

func runList(ctx context.Context, a *app, user, symbol, interval string, limit, offset int) error {
	if user == "" {
		return errors.New("list: -user is required")
	}
	page, err := a.engine.ListUserPredictions(ctx, user, engine.ListRequest{
		Symbol:   symbol,
		Interval: interval,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	return a.reporter.ReportPage(ctx, user, page)
}

// runErrors vuelca los últimos errores registrados en SQLite.
func runErrors(ctx context.Context, a *app, limit int) error {
	if a.sqlite == nil {
		return errors.New("errors: only available with the sqlite backend")
	}
	if limit <= 0 {
		limit = 20
	}
	entries, err := a.sqlite.RecentErrors(ctx, limit)
	if err != nil {
		return fmt.Errorf("errors: %w", err)
	}
	if len(entries) == 0 {
		slog.Info("no errors recorded")
	}
	for _, e := range entries {
		day := ""
		if e.TradingDay != nil {
			day = string(*e.TradingDay)
		}
		slog.Info("recorded error", "id", e.ID, "kind", e.Kind, "day", day, "details", e.Details)
	}
	return nil
}
