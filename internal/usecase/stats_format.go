package usecase

import (
	"strconv"
	"strings"
	"time"

	"BookPulse/internal/domain/models"
)

const (
	printTimeLayout = "2006-01-02 15:04:05"
	printPrecision  = 8
	unavailable     = "not yet available"
)

func formatValue(v *float64) string {
	if v == nil {
		return unavailable
	}
	return strconv.FormatFloat(*v, 'f', printPrecision, 64)
}

func formatQuote(q *models.Quote) string {
	if q == nil {
		return "price - " + unavailable + ", quantity - " + unavailable
	}
	return "price - " + formatValue(&q.Price) + ", quantity - " + formatValue(&q.Quantity)
}

func formatWindows(ws []models.WindowValue) string {
	parts := make([]string, 0, len(ws))
	for _, w := range ws {
		minutes := strconv.FormatFloat(float64(w.Seconds)/60, 'f', -1, 64)
		parts = append(parts, minutes+" minute(s) - "+formatValue(w.Value))
	}
	return strings.Join(parts, ", ")
}

// FormatSnapshot renders s as the multi-line console report. Times are shown
// in loc; a nil loc means local time.
func FormatSnapshot(s *models.StatsSnapshot, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder

	b.WriteString("Order book stats for " + s.ProductID + " at " + s.GeneratedAt.In(loc).Format(printTimeLayout) + ":\n")
	b.WriteString("  1.1. Highest bid: " + formatQuote(s.BestBid) + "\n")
	b.WriteString("  1.2. Lowest ask: " + formatQuote(s.BestAsk) + "\n")

	b.WriteString("  2. The biggest difference in price between the highest bid and the lowest ask we have seen so far is ")
	if s.MaxSpread == nil {
		b.WriteString(unavailable + "\n")
	} else {
		b.WriteString(formatValue(&s.MaxSpread.Spread) + ", observed at " + s.MaxSpread.ObservedAt.In(loc).Format(printTimeLayout) + "\n")
	}

	b.WriteString("  3. Mid prices for the defined aggregation windows: " + formatWindows(s.MidAverages) + "\n")
	b.WriteString("  4. Forecasted mid price in " + strconv.Itoa(s.ForecastHorizon) + " seconds - " + formatValue(s.Forecast) + "\n")
	b.WriteString("  5. Mean absolute forecast error for the defined aggregation windows: " + formatWindows(s.ForecastErrors) + "\n")

	if !s.Reliable {
		b.WriteString("  Warning: statistics unreliable (integrity faults - " + strconv.Itoa(s.IntegrityFaults))
		if s.Crossed {
			b.WriteString(", crossed book")
		}
		b.WriteString(")\n")
	}
	if s.Model.State == models.ModelTrained && !s.Model.Reliable {
		b.WriteString("  Warning: forecast model fits poorly\n")
	}
	return b.String()
}
