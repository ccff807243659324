package coinbase

import (
	"testing"
	"time"

	"BookPulse/internal/domain/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSnapshot(t *testing.T) {
	raw := []byte(`{"type":"snapshot","product_id":"BTC-USD","bids":[["10101.10","0.45054140"]],"asks":[["10102.55","0.57753524"],["10103.00","1"]]}`)
	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, models.MsgSnapshot, m.Type)
	assert.Equal(t, "BTC-USD", m.ProductID)
	require.Len(t, m.Bids, 1)
	require.Len(t, m.Asks, 2)
	assert.True(t, m.Bids[0].Price.Equal(decimal.RequireFromString("10101.1")))
	assert.True(t, m.Asks[1].Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, m.Time.IsZero())
	assert.Equal(t, raw, m.Raw)
}

func TestDecodeDelta(t *testing.T) {
	m, err := Decode([]byte(`{"type":"l2update","product_id":"BTC-USD","time":"2019-08-14T20:42:27.265Z","changes":[["buy","10101.80000000","0.162567"],["sell","10102.1","0"]]}`))
	require.NoError(t, err)
	assert.Equal(t, models.MsgDelta, m.Type)
	assert.Equal(t, time.Date(2019, 8, 14, 20, 42, 27, 265000000, time.UTC), m.Time.UTC())
	require.Len(t, m.Changes, 2)
	assert.Equal(t, "buy", m.Changes[0].Side)
	assert.Equal(t, "sell", m.Changes[1].Side)
	assert.True(t, m.Changes[1].Quantity.IsZero())
}

func TestDecodeKeepsUnknownSide(t *testing.T) {
	m, err := Decode([]byte(`{"type":"l2update","product_id":"BTC-USD","changes":[["hold","1","1"]]}`))
	require.NoError(t, err)
	assert.Equal(t, "hold", m.Changes[0].Side)
}

func TestDecodeErrorAndControlMessages(t *testing.T) {
	m, err := Decode([]byte(`{"type":"error","message":"Failed to subscribe","reason":"ETH-XXX is not a valid product"}`))
	require.NoError(t, err)
	assert.Equal(t, "Failed to subscribe: ETH-XXX is not a valid product", m.Message)

	m, err = Decode([]byte(`{"type":"subscriptions","channels":[{"name":"level2_batch","product_ids":["BTC-USD"]}]}`))
	require.NoError(t, err)
	assert.Equal(t, models.MsgSubscriptions, m.Type)

	m, err = Decode([]byte(`{"type":"heartbeat","product_id":"BTC-USD","sequence":90,"time":"2014-11-07T08:19:28.464459Z"}`))
	require.NoError(t, err)
	assert.Equal(t, models.MsgHeartbeat, m.Type)
}

func TestDecodeMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":       `{"type":`,
		"no type":        `{"product_id":"BTC-USD"}`,
		"bad price":      `{"type":"snapshot","bids":[["abc","1"]],"asks":[]}`,
		"bad quantity":   `{"type":"l2update","changes":[["buy","1","x"]]}`,
		"short change":   `{"type":"l2update","changes":[["buy","1"]]}`,
		"numeric levels": `{"type":"snapshot","bids":[[1,2]]}`,
		"bad time":       `{"type":"l2update","time":"yesterday","changes":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}
