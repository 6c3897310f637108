package notify_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/pricebands/internal/adapters/notify"
	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePrediction(status domain.PredictionStatus) domain.Prediction {
	open := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return domain.Prediction{
		ID:                 "3f2a9c1e-0000-4000-8000-000000000001",
		UserID:             "alice",
		Symbol:             "BTCUSDT",
		Interval:           "1h",
		TargetOpenTime:     open.UnixMilli(),
		TargetCloseTime:    open.Add(time.Hour).UnixMilli(),
		Row:                1,
		P0:                 decimal.RequireFromString("50000"),
		BandLow:            decimal.NewNullDecimal(decimal.RequireFromString("49500")),
		BandHigh:           decimal.NewNullDecimal(decimal.RequireFromString("50500")),
		Status:             status,
		SettlementPrice:    decimal.NewNullDecimal(decimal.RequireFromString("50012.5")),
		SettlementAttempts: 1,
	}
}

func TestConsole_ReportSweep_Table(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, true, time.UTC)

	res := domain.SettlementResult{Processed: 2, Won: 1, Lost: 1}
	err := c.ReportSweep(context.Background(), res, []domain.Prediction{
		makePrediction(domain.StatusWon),
		makePrediction(domain.StatusLost),
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "processed:2 won:1 lost:1 failed:0")
	assert.Contains(t, out, "3f2a9c1e")
	assert.Contains(t, out, "[49500.00, 50500.00]")
	assert.Contains(t, out, "50012.50")
	assert.Contains(t, out, "WON")
	assert.Contains(t, out, "LOST")
}

func TestConsole_ReportSweep_CompactSkipsTable(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, false, time.UTC)

	err := c.ReportSweep(context.Background(), domain.SettlementResult{Processed: 1, Won: 1},
		[]domain.Prediction{makePrediction(domain.StatusWon)})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "won:1")
	assert.NotContains(t, buf.String(), "3f2a9c1e")
}

func TestConsole_ReportSweep_NothingDue(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, true, time.UTC)

	require.NoError(t, c.ReportSweep(context.Background(), domain.SettlementResult{}, nil))
	assert.Contains(t, buf.String(), "nothing due")
}

func TestConsole_ReportPage(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, true, time.UTC)

	p := makePrediction(domain.StatusPending)
	p.BandHigh = decimal.NullDecimal{}
	p.SettlementPrice = decimal.NullDecimal{}

	err := c.ReportPage(context.Background(), "alice", domain.PredictionPage{
		Items: []domain.Prediction{p}, Limit: 1, Offset: 0, HasNext: true,
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "≥ 49500.00")
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "-offset 1")
}

func TestConsole_ReportPage_Empty(t *testing.T) {
	var buf bytes.Buffer
	c := notify.NewConsoleWriter(&buf, true, time.UTC)

	require.NoError(t, c.ReportPage(context.Background(), "bob", domain.PredictionPage{Limit: 20}))
	assert.Contains(t, buf.String(), "No predictions for bob")
}
