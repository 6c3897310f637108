package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// Console implementa ports.Reporter.
type Console struct {
	out   io.Writer
	table bool
	loc   *time.Location
	now   func() time.Time
}

var _ ports.Reporter = (*Console)(nil)

// NewConsole crea un reporter que escribe a stdout. Con table=false imprime
// solo el resumen de una línea por sweep.
func NewConsole(table bool, loc *time.Location) *Console {
	return NewConsoleWriter(os.Stdout, table, loc)
}

// NewConsoleWriter crea un reporter sobre w. Útil en tests.
func NewConsoleWriter(w io.Writer, table bool, loc *time.Location) *Console {
	if loc == nil {
		loc = time.UTC
	}
	return &Console{out: w, table: table, loc: loc, now: time.Now}
}

// ReportSweep imprime el resultado de un sweep y, en modo tabla, las
// predicciones que llegaron a estado terminal.
func (c *Console) ReportSweep(_ context.Context, result domain.SettlementResult, settled []domain.Prediction) error {
	ts := c.now().In(c.loc).Format("15:04:05")
	if result.Processed == 0 {
		fmt.Fprintf(c.out, "[%s] sweep: nothing due\n", ts)
		return nil
	}

	fmt.Fprintf(c.out, "[%s] sweep → processed:%d won:%d lost:%d failed:%d\n",
		ts, result.Processed, result.Won, result.Lost, result.Failed)

	if c.table && len(settled) > 0 {
		c.printPredictions(settled)
	}
	return nil
}

// ReportPage imprime una página de predicciones de un usuario.
func (c *Console) ReportPage(_ context.Context, userID string, page domain.PredictionPage) error {
	if len(page.Items) == 0 {
		fmt.Fprintf(c.out, "No predictions for %s (offset %d)\n", userID, page.Offset)
		return nil
	}

	fmt.Fprintf(c.out, "\n%s — %d predictions (offset %d, limit %d)\n",
		userID, len(page.Items), page.Offset, page.Limit)
	c.printPredictions(page.Items)

	if page.HasNext {
		fmt.Fprintf(c.out, "  more: -offset %d\n", page.Offset+page.Limit)
	}
	return nil
}

func (c *Console) printPredictions(preds []domain.Prediction) {
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "User", "Symbol", "Window", "Row", "P0", "Band", "Settle", "Status", "Att")

	for _, p := range preds {
		table.Append(
			shortID(p.ID),
			truncate(p.UserID, 16),
			p.Symbol+"/"+p.Interval,
			c.windowLabel(p),
			fmt.Sprintf("%d", p.Row),
			p.P0.StringFixed(2),
			bandLabel(p.BandLow, p.BandHigh),
			nullLabel(p.SettlementPrice),
			statusLabel(p),
			fmt.Sprintf("%d", p.SettlementAttempts),
		)
	}
	table.Render()
}

func (c *Console) windowLabel(p domain.Prediction) string {
	open := time.UnixMilli(p.TargetOpenTime).In(c.loc)
	end := time.UnixMilli(p.TargetCloseTime).In(c.loc)
	return open.Format("01-02 15:04") + "→" + end.Format("15:04")
}

// --- helpers ---

func bandLabel(low, high decimal.NullDecimal) string {
	switch {
	case low.Valid && high.Valid:
		return "[" + low.Decimal.StringFixed(2) + ", " + high.Decimal.StringFixed(2) + "]"
	case low.Valid:
		return "≥ " + low.Decimal.StringFixed(2)
	case high.Valid:
		return "≤ " + high.Decimal.StringFixed(2)
	default:
		return "-"
	}
}

func nullLabel(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}

func statusLabel(p domain.Prediction) string {
	if p.Status == domain.StatusError && p.LastError != "" {
		return "ERROR: " + truncate(p.LastError, 30)
	}
	return string(p.Status)
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return truncate(id, 8)
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "…"
}
