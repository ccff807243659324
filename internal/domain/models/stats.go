package models

import "time"

// WindowValue is an aggregate for one trailing window. Value is nil while
// the window has no qualifying data.
type WindowValue struct {
	Window  time.Duration `json:"-"`
	Seconds int           `json:"window_seconds"`
	Value   *float64      `json:"value"`
}

// StatsSnapshot is the immutable report emitted on every report tick.
type StatsSnapshot struct {
	ProductID       string             `json:"product_id"`
	GeneratedAt     time.Time          `json:"generated_at"`
	BestBid         *Quote             `json:"best_bid"`
	BestAsk         *Quote             `json:"best_ask"`
	Mid             *float64           `json:"mid"`
	MaxSpread       *SpreadObservation `json:"max_spread"`
	MidAverages     []WindowValue      `json:"mid_averages"`
	Forecast        *float64           `json:"forecast"`
	ForecastHorizon int                `json:"forecast_horizon_seconds"`
	ForecastErrors  []WindowValue      `json:"forecast_errors"`
	Reliable        bool               `json:"reliable"`
	IntegrityFaults int                `json:"integrity_faults"`
	Crossed         bool               `json:"crossed"`
	Model           ModelStatus        `json:"model"`
	Depth           Depth              `json:"depth"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
