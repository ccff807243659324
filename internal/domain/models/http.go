package models

import "time"

// BookRequest holds query params for /api/book.
type BookRequest struct {
	Depth int `query:"depth" default:"10" validate:"gte=1,lte=50"`
}

// HistoryRequest holds query params for /api/history.
type HistoryRequest struct {
	From  string `query:"from"`
	To    string `query:"to"`
	Limit int    `query:"limit" default:"100" validate:"gte=1,lte=1000"`
}

// HistoryPoint is one stored snapshot row.
type HistoryPoint struct {
	ProductID   string    `json:"product_id"`
	GeneratedAt time.Time `json:"generated_at"`
	BestBid     float64   `json:"best_bid"`
	BestAsk     float64   `json:"best_ask"`
	Mid         *float64  `json:"mid"`
	MaxSpread   *float64  `json:"max_spread"`
	Avg1m       *float64  `json:"avg_1m"`
	Avg5m       *float64  `json:"avg_5m"`
	Avg15m      *float64  `json:"avg_15m"`
	Forecast    *float64  `json:"forecast"`
	Reliable    bool      `json:"reliable"`
}

// HistoryResponse is returned by /api/history.
type HistoryResponse struct {
	ProductID string         `json:"product_id"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Points    []HistoryPoint `json:"points"`
}
