package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Feed message types.
const (
	MsgSnapshot      = "snapshot"
	MsgDelta         = "l2update"
	MsgSubscriptions = "subscriptions"
	MsgHeartbeat     = "heartbeat"
	MsgError         = "error"
)

// Change is one level update inside a delta message. Side is kept raw so the
// book can reject values it does not recognise.
type Change struct {
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// FeedMessage is a decoded level2 envelope.
type FeedMessage struct {
	Type      string       `json:"type"`
	ProductID string       `json:"product_id"`
	Time      time.Time    `json:"time"`
	Bids      []PriceLevel `json:"bids,omitempty"`
	Asks      []PriceLevel `json:"asks,omitempty"`
	Changes   []Change     `json:"changes,omitempty"`
	Message   string       `json:"message,omitempty"`
	Raw       []byte       `json:"-"`
}

// RawFrame is an undecoded frame as read from the transport.
type RawFrame struct {
	ProductID  string    `json:"product_id"`
	ReceivedAt time.Time `json:"received_at"`
	Payload    []byte    `json:"payload"`
}
