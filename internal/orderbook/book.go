// Package orderbook reconstructs a two-sided level2 book from a snapshot
// followed by incremental upsert/delete deltas.
package orderbook

import (
	"errors"
	"fmt"
	"sort"

	"BookPulse/internal/domain/models"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownSide      = errors.New("orderbook: unknown side")
	ErrNegativeQuantity = errors.New("orderbook: negative quantity")
	ErrInvalidPrice     = errors.New("orderbook: non-positive price")
	ErrCrossedBook      = errors.New("orderbook: crossed book")
)

// Update reports which best-of-side prices moved after a delta.
type Update struct {
	BidChanged bool
	AskChanged bool
}

// Changed reports whether either best price moved.
func (u Update) Changed() bool { return u.BidChanged || u.AskChanged }

// ladder keeps one side sorted from worst to best, so the best level is last
// and the hot end of the book sits at the tail of the slice.
type ladder struct {
	levels []models.PriceLevel
	bid    bool
}

// worse reports whether price a ranks strictly behind price b on this side.
func (l *ladder) worse(a, b decimal.Decimal) bool {
	if l.bid {
		return a.LessThan(b)
	}
	return a.GreaterThan(b)
}

func (l *ladder) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(l.levels), func(i int) bool {
		return !l.worse(l.levels[i].Price, price)
	})
	return i, i < len(l.levels) && l.levels[i].Price.Equal(price)
}

func (l *ladder) best() (models.PriceLevel, bool) {
	if len(l.levels) == 0 {
		return models.PriceLevel{}, false
	}
	return l.levels[len(l.levels)-1], true
}

func (l *ladder) get(price decimal.Decimal) (models.PriceLevel, bool) {
	i, ok := l.search(price)
	if !ok {
		return models.PriceLevel{}, false
	}
	return l.levels[i], true
}

func (l *ladder) upsert(level models.PriceLevel) {
	i, ok := l.search(level.Price)
	if ok {
		l.levels[i] = level
		return
	}
	l.levels = append(l.levels, models.PriceLevel{})
	copy(l.levels[i+1:], l.levels[i:])
	l.levels[i] = level
}

func (l *ladder) remove(price decimal.Decimal) bool {
	i, ok := l.search(price)
	if !ok {
		return false
	}
	l.levels = append(l.levels[:i], l.levels[i+1:]...)
	return true
}

func (l *ladder) load(levels []models.PriceLevel) {
	l.levels = append(l.levels[:0], levels...)
	sort.SliceStable(l.levels, func(i, j int) bool {
		return l.worse(l.levels[i].Price, l.levels[j].Price)
	})
	// later duplicates win
	out := l.levels[:0]
	for _, lv := range l.levels {
		if n := len(out); n > 0 && out[n-1].Price.Equal(lv.Price) {
			out[n-1] = lv
			continue
		}
		out = append(out, lv)
	}
	l.levels = out
}

func (l *ladder) top(n int) []models.Quote {
	if n > len(l.levels) {
		n = len(l.levels)
	}
	out := make([]models.Quote, 0, n)
	for i := len(l.levels) - 1; i >= len(l.levels)-n; i-- {
		out = append(out, *models.QuoteOf(l.levels[i]))
	}
	return out
}

// Book is a single-product order book. It is not safe for concurrent use;
// the owning engine serializes all access.
type Book struct {
	bids    ladder
	asks    ladder
	crossed bool
}

// New returns an empty book.
func New() *Book {
	return &Book{bids: ladder{bid: true}, asks: ladder{}}
}

func (b *Book) side(s models.Side) *ladder {
	if s == models.SideBid {
		return &b.bids
	}
	return &b.asks
}

// ApplySnapshot replaces both sides wholesale. Zero-quantity levels are
// skipped; levels with a negative quantity or non-positive price are rejected
// and counted. A crossed snapshot is kept but flagged with ErrCrossedBook.
func (b *Book) ApplySnapshot(bids, asks []models.PriceLevel) (rejected int, err error) {
	clean := func(in []models.PriceLevel) []models.PriceLevel {
		out := make([]models.PriceLevel, 0, len(in))
		for _, lv := range in {
			switch {
			case lv.Quantity.IsNegative(), !lv.Price.IsPositive():
				rejected++
			case lv.Quantity.IsZero():
			default:
				out = append(out, lv)
			}
		}
		return out
	}
	b.bids.load(clean(bids))
	b.asks.load(clean(asks))
	b.crossed = b.isCrossed()
	if b.crossed {
		return rejected, ErrCrossedBook
	}
	return rejected, nil
}

// ApplyDelta upserts (quantity > 0) or deletes (quantity == 0) one level.
// Deleting an absent level is a no-op. A delta that would cross a healthy
// book is rolled back and reported as ErrCrossedBook.
func (b *Book) ApplyDelta(rawSide string, price, quantity decimal.Decimal) (Update, error) {
	upd, errs := b.ApplyChanges([]models.Change{{Side: rawSide, Price: price, Quantity: quantity}})
	if len(errs) > 0 {
		return Update{}, errs[0]
	}
	return upd, nil
}

// undo restores one level to what it was before a change.
type undo struct {
	l       *ladder
	prev    models.PriceLevel
	price   decimal.Decimal
	existed bool
}

// ApplyChanges applies the changes of one feed message as a unit. Malformed
// changes are skipped and returned as errors; the rest are applied in order.
// The crossed-book check runs on the final state only: if the message would
// cross a healthy book, every change in it is rolled back. The Update
// compares best prices before and after the whole message.
func (b *Book) ApplyChanges(changes []models.Change) (Update, []error) {
	bidBefore, hadBid := b.bids.best()
	askBefore, hadAsk := b.asks.best()

	var errs []error
	log := make([]undo, 0, len(changes))
	for _, ch := range changes {
		side, err := models.ParseSide(ch.Side)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownSide, ch.Side))
			continue
		}
		if ch.Quantity.IsNegative() {
			errs = append(errs, fmt.Errorf("%w: %s@%s", ErrNegativeQuantity, ch.Quantity, ch.Price))
			continue
		}
		if !ch.Price.IsPositive() && !ch.Quantity.IsZero() {
			errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidPrice, ch.Price))
			continue
		}

		l := b.side(side)
		prev, existed := l.get(ch.Price)
		if ch.Quantity.IsZero() {
			if !l.remove(ch.Price) {
				continue
			}
		} else {
			l.upsert(models.PriceLevel{Price: ch.Price, Quantity: ch.Quantity})
		}
		log = append(log, undo{l: l, prev: prev, price: ch.Price, existed: existed})
	}

	if len(log) > 0 && b.isCrossed() && !b.crossed {
		for i := len(log) - 1; i >= 0; i-- {
			u := log[i]
			if u.existed {
				u.l.upsert(u.prev)
			} else {
				u.l.remove(u.price)
			}
		}
		errs = append(errs, fmt.Errorf("%w: %d changes rolled back", ErrCrossedBook, len(log)))
		return Update{}, errs
	}
	b.crossed = b.isCrossed()

	bidAfter, hasBid := b.bids.best()
	askAfter, hasAsk := b.asks.best()
	return Update{
		BidChanged: hadBid != hasBid || !bidBefore.Price.Equal(bidAfter.Price),
		AskChanged: hadAsk != hasAsk || !askBefore.Price.Equal(askAfter.Price),
	}, errs
}

func (b *Book) isCrossed() bool {
	bid, okb := b.bids.best()
	ask, oka := b.asks.best()
	return okb && oka && bid.Price.GreaterThanOrEqual(ask.Price)
}

// BestBid returns the highest bid level.
func (b *Book) BestBid() (models.PriceLevel, bool) { return b.bids.best() }

// BestAsk returns the lowest ask level.
func (b *Book) BestAsk() (models.PriceLevel, bool) { return b.asks.best() }

// Mid returns (bestBid+bestAsk)/2, undefined while either side is empty.
func (b *Book) Mid() (decimal.Decimal, bool) {
	bid, okb := b.bids.best()
	ask, oka := b.asks.best()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns bestAsk-bestBid, undefined while either side is empty.
func (b *Book) Spread() (decimal.Decimal, bool) {
	bid, okb := b.bids.best()
	ask, oka := b.asks.best()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Crossed reports whether the book currently holds bestBid >= bestAsk.
// Only a snapshot can leave the book in this state.
func (b *Book) Crossed() bool { return b.crossed }

// Depth returns up to n levels per side, best first.
func (b *Book) Depth(n int) models.Depth {
	if n <= 0 {
		return models.Depth{Bids: []models.Quote{}, Asks: []models.Quote{}}
	}
	return models.Depth{Bids: b.bids.top(n), Asks: b.asks.top(n)}
}

// Len returns the number of levels per side.
func (b *Book) Len() (bids, asks int) { return len(b.bids.levels), len(b.asks.levels) }

// Reset empties both sides.
func (b *Book) Reset() {
	b.bids.levels = b.bids.levels[:0]
	b.asks.levels = b.asks.levels[:0]
	b.crossed = false
}
