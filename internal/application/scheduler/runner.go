package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner ejecuta jobs periódicos con specs cron de 6 campos (con segundos).
// Una ejecución que sigue en marcha hace que la siguiente del mismo job se salte.
type Runner struct {
	cron    *cron.Cron
	baseCtx context.Context
}

// New crea un Runner. Los jobs reciben baseCtx.
func New(baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := slogAdapter{}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		baseCtx: baseCtx,
	}
}

// Add registra job con el nombre dado. Los errores del job se loguean.
func (r *Runner) Add(name, spec string, job func(context.Context) error) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(r.baseCtx); err != nil {
			slog.Error("job failed", "job", name, "err", err, "took", time.Since(start).Round(time.Millisecond))
			return
		}
		slog.Debug("job done", "job", name, "took", time.Since(start).Round(time.Millisecond))
	})
	if err != nil {
		return 0, fmt.Errorf("scheduler.Add: %s %q: %w", name, spec, err)
	}
	return id, nil
}

// Start arranca el scheduler en background.
func (r *Runner) Start() {
	slog.Info("scheduler started", "jobs", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop detiene el scheduler y espera a que terminen los jobs en curso.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}

// slogAdapter implementa cron.Logger sobre slog.
type slogAdapter struct{}

func (slogAdapter) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"err", err}, keysAndValues...)...)
}
