package coinbase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"BookPulse/internal/domain/models"

	"github.com/shopspring/decimal"
)

var ErrMalformed = errors.New("malformed feed message")

type envelope struct {
	Type      string      `json:"type"`
	ProductID string      `json:"product_id"`
	Time      string      `json:"time"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	Changes   [][3]string `json:"changes"`
	Message   string      `json:"message"`
	Reason    string      `json:"reason"`
}

// Decode parses one level2 channel frame. Unknown types are returned with
// only Type and ProductID set.
func Decode(raw []byte) (*models.FeedMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	m := &models.FeedMessage{Type: env.Type, ProductID: env.ProductID, Raw: raw}
	if env.Time != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.Time)
		if err != nil {
			return nil, fmt.Errorf("%w: time %q", ErrMalformed, env.Time)
		}
		m.Time = ts
	}

	var err error
	switch env.Type {
	case models.MsgSnapshot:
		if m.Bids, err = levels(env.Bids); err != nil {
			return nil, fmt.Errorf("bids: %w", err)
		}
		if m.Asks, err = levels(env.Asks); err != nil {
			return nil, fmt.Errorf("asks: %w", err)
		}
	case models.MsgDelta:
		m.Changes = make([]models.Change, 0, len(env.Changes))
		for _, c := range env.Changes {
			price, quantity, err := pair(c[1], c[2])
			if err != nil {
				return nil, fmt.Errorf("changes: %w", err)
			}
			m.Changes = append(m.Changes, models.Change{Side: c[0], Price: price, Quantity: quantity})
		}
	case models.MsgError:
		m.Message = env.Message
		if env.Reason != "" {
			m.Message += ": " + env.Reason
		}
	}
	return m, nil
}

func levels(in [][2]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(in))
	for _, l := range in {
		price, quantity, err := pair(l[0], l[1])
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: quantity})
	}
	return out, nil
}

func pair(p, q string) (decimal.Decimal, decimal.Decimal, error) {
	price, err := decimal.NewFromString(p)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: price %q", ErrMalformed, p)
	}
	quantity, err := decimal.NewFromString(q)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: quantity %q", ErrMalformed, q)
	}
	return price, quantity, nil
}
