package cooldown_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/pricebands/internal/adapters/memory"
	"github.com/alejandrodnm/pricebands/internal/application/cooldown"
	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = domain.TradingDay("2026-03-01")

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cfg() cooldown.Config {
	return cooldown.Config{
		Threshold:   1,
		Duration:    30 * time.Minute,
		RefillSlots: 3,
		Clock:       func() time.Time { return now },
	}
}

func TestTrigger_AboveThresholdDoesNothing(t *testing.T) {
	store := memory.NewStore(2)
	tr := cooldown.NewTrigger(store, store, cfg())

	created, err := tr.Check(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, store.Timers())
}

func TestTrigger_SchedulesOnceBelowThreshold(t *testing.T) {
	store := memory.NewStore(2)
	store.SetAvailable("u1", day, 0)
	tr := cooldown.NewTrigger(store, store, cfg())

	created, err := tr.Check(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = tr.Check(context.Background(), "u1", day)
	require.NoError(t, err)
	assert.False(t, created, "ya hay un timer activo")

	timers := store.Timers()
	require.Len(t, timers, 1)
	assert.Equal(t, now.Add(30*time.Minute), timers[0].CompletesAt)
	assert.Equal(t, domain.CooldownActive, timers[0].Status)
}

func TestRefiller_RefundsDueTimersOnce(t *testing.T) {
	store := memory.NewStore(2)
	store.SetAvailable("u1", day, 0)
	ctx := context.Background()

	tr := cooldown.NewTrigger(store, store, cfg())
	_, err := tr.Check(ctx, "u1", day)
	require.NoError(t, err)

	rf := cooldown.NewRefiller(store, store, cfg())

	// Antes de vencer no hace nada
	n, err := rf.RunOnce(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = rf.RunOnce(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, err := store.GetOrCreate(ctx, "u1", day)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Available)

	n, err = rf.RunOnce(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "un timer completado no se rellena dos veces")
}
