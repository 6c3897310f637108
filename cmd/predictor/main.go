package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/pricebands/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	mode := flag.String("mode", "serve", "serve|once|submit|list|errors")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	table := flag.Bool("table", false, "print settled predictions as a table")

	user := flag.String("user", "", "user id (submit, list)")
	symbol := flag.String("symbol", "BTCUSDT", "symbol (submit, list)")
	interval := flag.String("interval", "1h", "candle interval (submit, list)")
	row := flag.Int("row", 0, "band row (submit)")
	open := flag.String("open", "", "target window open, RFC3339 (submit; default: next interval boundary)")
	limit := flag.Int("limit", 0, "page size (list, errors)")
	offset := flag.Int("offset", 0, "page offset (list)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *table {
		cfg.Settlement.Table = true
	}
	closeLog := setupLogger(cfg.Log)
	defer closeLog()

	slog.Info("pricebands starting",
		"config", *configPath,
		"mode", *mode,
		"storage", cfg.Storage.Backend,
		"redis", cfg.Redis.Addr != "",
		"symbols", cfg.Predictor.Symbols,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := build(ctx, cfg)
	if err != nil {
		slog.Error("failed to build app", "err", err)
		os.Exit(1)
	}
	defer app.Close()

	switch *mode {
	case "serve":
		err = runServe(ctx, app, cfg)
	case "once":
		err = runOnce(ctx, app, cfg)
	case "submit":
		err = runSubmit(ctx, app, submitArgs{
			user:     *user,
			symbol:   *symbol,
			interval: *interval,
			row:      *row,
			open:     *open,
		})
	case "list":
		err = runList(ctx, app, *user, *symbol, *interval, *limit, *offset)
	case "errors":
		err = runErrors(ctx, app, *limit)
	default:
		slog.Error("unknown mode", "mode", *mode)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("pricebands exited with error", "mode", *mode, "err", err)
		os.Exit(1)
	}

	slog.Info("pricebands stopped cleanly", "mode", *mode, "at", time.Now().Format(time.RFC3339))
}
