package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one half of the order book.
type Side string

const (
	SideBid Side = "buy"
	SideAsk Side = "sell"
)

// ParseSide maps exchange side strings onto a book side.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "bid":
		return SideBid, nil
	case "sell", "ask":
		return SideAsk, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// PriceLevel is a single resting price on one side of the book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Quote is a PriceLevel flattened for reporting.
type Quote struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// QuoteOf converts a level into a Quote.
func QuoteOf(l PriceLevel) *Quote {
	return &Quote{Price: l.Price.InexactFloat64(), Quantity: l.Quantity.InexactFloat64()}
}

// Sample is one mid-price observation.
type Sample struct {
	Time time.Time `json:"time"`
	Mid  float64   `json:"mid"`
}

// SpreadObservation records the best bid/ask pair behind a spread value.
type SpreadObservation struct {
	Spread     float64   `json:"spread"`
	BestBid    float64   `json:"best_bid"`
	BestAsk    float64   `json:"best_ask"`
	ObservedAt time.Time `json:"observed_at"`
}

// Depth is the top of both ladders, best level first.
type Depth struct {
	Bids []Quote `json:"bids"`
	Asks []Quote `json:"asks"`
}
