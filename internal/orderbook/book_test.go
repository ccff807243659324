package orderbook

import (
	"math/rand"
	"sort"
	"testing"

	"BookPulse/internal/domain/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(p, q string) models.PriceLevel { return models.PriceLevel{Price: d(p), Quantity: d(q)} }

func TestSnapshotBestAndMid(t *testing.T) {
	b := New()
	rejected, err := b.ApplySnapshot(
		[]models.PriceLevel{lvl("100", "2"), lvl("99", "5")},
		[]models.PriceLevel{lvl("101", "3"), lvl("102", "1")},
	)
	require.NoError(t, err)
	assert.Zero(t, rejected)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(d("100")))
	assert.True(t, bid.Quantity.Equal(d("2")))

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Price.Equal(d("101")))
	assert.True(t, ask.Quantity.Equal(d("3")))

	mid, ok := b.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(d("100.5")))

	spread, ok := b.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(d("1")))
}

func TestSnapshotSkipsZeroAndRejectsNegative(t *testing.T) {
	b := New()
	rejected, err := b.ApplySnapshot(
		[]models.PriceLevel{lvl("100", "0"), lvl("99", "-1"), lvl("98", "1")},
		[]models.PriceLevel{lvl("101", "1")},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, rejected)
	bids, asks := b.Len()
	assert.Equal(t, 1, bids)
	assert.Equal(t, 1, asks)
}

func TestSnapshotReplacesBook(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot([]models.PriceLevel{lvl("100", "1")}, []models.PriceLevel{lvl("101", "1")})
	require.NoError(t, err)
	_, err = b.ApplySnapshot([]models.PriceLevel{lvl("50", "1")}, []models.PriceLevel{lvl("51", "1")})
	require.NoError(t, err)

	bid, _ := b.BestBid()
	assert.True(t, bid.Price.Equal(d("50")))
	bids, asks := b.Len()
	assert.Equal(t, 1, bids)
	assert.Equal(t, 1, asks)
}

func TestCrossedSnapshotIsFlagged(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot([]models.PriceLevel{lvl("102", "1")}, []models.PriceLevel{lvl("101", "1")})
	require.ErrorIs(t, err, ErrCrossedBook)
	assert.True(t, b.Crossed())

	// removing the offending bid heals the book
	_, err = b.ApplyDelta("buy", d("102"), decimal.Zero)
	require.NoError(t, err)
	assert.False(t, b.Crossed())
}

func TestDeltaRemovesOnlyBid(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("101", "3")})
	require.NoError(t, err)

	u, err := b.ApplyDelta("buy", d("100"), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, u.BidChanged)
	assert.False(t, u.AskChanged)

	_, ok := b.BestBid()
	assert.False(t, ok)
	_, ok = b.Mid()
	assert.False(t, ok)

	u, err = b.ApplyDelta("buy", d("99.5"), d("1"))
	require.NoError(t, err)
	assert.True(t, u.BidChanged)
	mid, ok := b.Mid()
	require.True(t, ok)
	assert.True(t, mid.Equal(d("100.25")))
}

func TestRedundantDeleteIsNoop(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("101", "3")})
	require.NoError(t, err)

	u, err := b.ApplyDelta("sell", d("150"), decimal.Zero)
	require.NoError(t, err)
	assert.False(t, u.Changed())
	_, asks := b.Len()
	assert.Equal(t, 1, asks)
}

func TestDeltaQuantityOnlyChangeKeepsBestPrice(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("101", "3")})
	require.NoError(t, err)

	u, err := b.ApplyDelta("buy", d("100"), d("7"))
	require.NoError(t, err)
	assert.False(t, u.Changed())
	bid, _ := b.BestBid()
	assert.True(t, bid.Quantity.Equal(d("7")))
}

func TestDeltaIntegrityFaults(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("101", "3")})
	require.NoError(t, err)

	_, err = b.ApplyDelta("middle", d("100"), d("1"))
	assert.ErrorIs(t, err, ErrUnknownSide)

	_, err = b.ApplyDelta("buy", d("100"), d("-1"))
	assert.ErrorIs(t, err, ErrNegativeQuantity)

	_, err = b.ApplyDelta("buy", d("0"), d("1"))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = b.ApplyDelta("buy", d("101"), d("1"))
	assert.ErrorIs(t, err, ErrCrossedBook)

	// book unchanged after every rejected delta
	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	assert.True(t, bid.Price.Equal(d("100")))
	assert.True(t, bid.Quantity.Equal(d("2")))
	assert.True(t, ask.Price.Equal(d("101")))
	bids, asks := b.Len()
	assert.Equal(t, 1, bids)
	assert.Equal(t, 1, asks)
	assert.False(t, b.Crossed())
}

func TestCrossingReplaceRollsBackToPreviousLevel(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot(
		[]models.PriceLevel{lvl("100", "2")},
		[]models.PriceLevel{lvl("101", "3"), lvl("100.5", "4")},
	)
	require.NoError(t, err)

	_, err = b.ApplyDelta("buy", d("100.5"), d("1"))
	require.ErrorIs(t, err, ErrCrossedBook)
	ask, _ := b.BestAsk()
	assert.True(t, ask.Price.Equal(d("100.5")))
	assert.True(t, ask.Quantity.Equal(d("4")))
}

func TestSideAliases(t *testing.T) {
	b := New()
	_, err := b.ApplyDelta("bid", d("10"), d("1"))
	require.NoError(t, err)
	_, err = b.ApplyDelta("ask", d("11"), d("1"))
	require.NoError(t, err)
	bids, asks := b.Len()
	assert.Equal(t, 1, bids)
	assert.Equal(t, 1, asks)
}

func TestDepthOrdering(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot(
		[]models.PriceLevel{lvl("98", "1"), lvl("100", "1"), lvl("99", "1")},
		[]models.PriceLevel{lvl("103", "1"), lvl("101", "1"), lvl("102", "1")},
	)
	require.NoError(t, err)

	depth := b.Depth(2)
	require.Len(t, depth.Bids, 2)
	require.Len(t, depth.Asks, 2)
	assert.Equal(t, 100.0, depth.Bids[0].Price)
	assert.Equal(t, 99.0, depth.Bids[1].Price)
	assert.Equal(t, 101.0, depth.Asks[0].Price)
	assert.Equal(t, 102.0, depth.Asks[1].Price)

	assert.Len(t, b.Depth(10).Bids, 3)
	assert.Empty(t, b.Depth(0).Asks)
}

// TestRandomDeltasMatchReference replays random valid deltas against a plain
// map and checks that no zero level is stored and best prices agree.
func TestRandomDeltasMatchReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := New()
	ref := map[models.Side]map[int64]int64{models.SideBid: {}, models.SideAsk: {}}

	for i := 0; i < 5000; i++ {
		side := models.SideBid
		price := int64(900 + rng.Intn(100))
		if rng.Intn(2) == 0 {
			side = models.SideAsk
			price = int64(1000 + rng.Intn(100))
		}
		qty := int64(rng.Intn(4))

		_, err := b.ApplyDelta(string(side), decimal.NewFromInt(price), decimal.NewFromInt(qty))
		require.NoError(t, err)
		if qty == 0 {
			delete(ref[side], price)
		} else {
			ref[side][price] = qty
		}

		for _, l := range [][]models.PriceLevel{b.bids.levels, b.asks.levels} {
			for _, lv := range l {
				require.False(t, lv.Quantity.IsZero())
			}
		}
		checkBest(t, b, ref)
	}
}

func checkBest(t *testing.T, b *Book, ref map[models.Side]map[int64]int64) {
	t.Helper()
	keys := func(m map[int64]int64) []int64 {
		out := make([]int64, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}
	bidKeys, askKeys := keys(ref[models.SideBid]), keys(ref[models.SideAsk])

	bid, ok := b.BestBid()
	require.Equal(t, len(bidKeys) > 0, ok)
	if ok {
		require.True(t, bid.Price.Equal(decimal.NewFromInt(bidKeys[len(bidKeys)-1])))
	}
	ask, ok := b.BestAsk()
	require.Equal(t, len(askKeys) > 0, ok)
	if ok {
		require.True(t, ask.Price.Equal(decimal.NewFromInt(askKeys[0])))
	}
	nb, na := b.Len()
	require.Equal(t, len(bidKeys), nb)
	require.Equal(t, len(askKeys), na)
}

func TestChangesAreCheckedOnFinalState(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot(
		[]models.PriceLevel{lvl("100", "2")},
		[]models.PriceLevel{lvl("101", "3"), lvl("103", "1")},
	)
	require.NoError(t, err)

	// the new bid crosses 101 until the same message removes it
	upd, errs := b.ApplyChanges([]models.Change{
		{Side: "buy", Price: d("102"), Quantity: d("1")},
		{Side: "sell", Price: d("101"), Quantity: d("0")},
	})
	require.Empty(t, errs)
	assert.True(t, upd.BidChanged)
	assert.True(t, upd.AskChanged)

	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	assert.True(t, bid.Price.Equal(d("102")))
	assert.True(t, ask.Price.Equal(d("103")))
	assert.False(t, b.Crossed())
}

func TestCrossingMessageRollsBackEveryChange(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("101", "3")})
	require.NoError(t, err)

	upd, errs := b.ApplyChanges([]models.Change{
		{Side: "buy", Price: d("100"), Quantity: d("5")},
		{Side: "buy", Price: d("100"), Quantity: d("0")},
		{Side: "middle", Price: d("100"), Quantity: d("1")},
		{Side: "sell", Price: d("102"), Quantity: d("1")},
		{Side: "buy", Price: d("101"), Quantity: d("1")},
	})
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], ErrUnknownSide)
	assert.ErrorIs(t, errs[1], ErrCrossedBook)
	assert.False(t, upd.Changed())

	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	assert.True(t, bid.Price.Equal(d("100")))
	assert.True(t, bid.Quantity.Equal(d("2")))
	assert.True(t, ask.Price.Equal(d("101")))
	bids, asks := b.Len()
	assert.Equal(t, 1, bids)
	assert.Equal(t, 1, asks)
}

func TestChangesReportNetBestMove(t *testing.T) {
	b := New()
	_, err := b.ApplySnapshot([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("101", "3")})
	require.NoError(t, err)

	// best ask moves away and comes back within one message
	upd, errs := b.ApplyChanges([]models.Change{
		{Side: "sell", Price: d("101"), Quantity: d("0")},
		{Side: "sell", Price: d("101"), Quantity: d("4")},
	})
	require.Empty(t, errs)
	assert.False(t, upd.Changed())
	ask, _ := b.BestAsk()
	assert.True(t, ask.Quantity.Equal(d("4")))
}
