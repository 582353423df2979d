// Package book implements the per-symbol order book: two price-ordered
// maps (bids, asks), each value a FIFO queue of resting orders. It gives
// ≤O(log N) best-price access and ordered iteration from the best price
// outward, as spec §4.2/§9 require.
//
// Grounded on the teacher's internal/engine/orderbook.go, which uses the
// same tidwall/btree.BTreeG[*PriceLevel] structure with an inverted
// comparator on the bid side so both sides can be read off as the tree's
// minimum.
package book

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"bourse/internal/common"
)

// RestingOrder is a resting (unfilled or partially filled) limit order
// sitting in a price level's FIFO queue. ID is assigned for tracing and
// logging only; matching and cancellation identify orders by owner and
// queue position (spec §4.4), never by ID.
type RestingOrder struct {
	ID       string
	Owner    common.UserID
	Quantity int64
}

// PriceLevel is one price tick's FIFO queue of resting orders. Orders is
// drained from the front and appended to at the back, matching the
// teacher's slice-as-deque usage (`level.orders = level.orders[i:]`).
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*RestingOrder
}

type priceLevels = btree.BTreeG[*PriceLevel]

// Book is the bid/ask order book for a single symbol.
type Book struct {
	// Bids sorts highest price first; Asks sorts lowest price first. Both
	// expose their best price via Min, per the teacher's inverted-comparator
	// trick (spec §9's "an implementation may invert the key on the bid
	// side to always take min for uniformity").
	Bids *priceLevels
	Asks *priceLevels
}

// New creates an empty order book.
func New() *Book {
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.GreaterThan(b.Price)
	})
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.Price.LessThan(b.Price)
	})
	return &Book{Bids: bids, Asks: asks}
}

// Side returns the price-ordered map on the given side (bids for Bid,
// asks for Ask) — the side an order of that side rests on.
func (b *Book) Side(side common.Side) *priceLevels {
	if side == common.Bid {
		return b.Bids
	}
	return b.Asks
}

// Opposite returns the price-ordered map a taker of the given side walks
// when matching (asks for a bid taker, bids for an ask taker).
func (b *Book) Opposite(side common.Side) *priceLevels {
	return b.Side(side.Opposite())
}

// BestBid returns the highest resting bid price, if any.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	lvl, ok := b.Bids.Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.Price, true
}

// BestAsk returns the lowest resting ask price, if any.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	lvl, ok := b.Asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.Price, true
}

// Rest appends a new resting order to the given side at price, creating the
// price level if it does not already exist (spec §4.2: "first insertion at
// a new price creates the level").
func (b *Book) Rest(side common.Side, price decimal.Decimal, owner common.UserID, qty int64) *RestingOrder {
	order := &RestingOrder{ID: uuid.New().String(), Owner: owner, Quantity: qty}

	levels := b.Side(side)
	if lvl, ok := levels.GetMut(&PriceLevel{Price: price}); ok {
		lvl.Orders = append(lvl.Orders, order)
	} else {
		levels.Set(&PriceLevel{Price: price, Orders: []*RestingOrder{order}})
	}
	return order
}

// ErrNoSuchLevel and ErrNoOrderForUser back CancelAt; the exchange facade
// maps both to common.ErrUnknownOrder per spec §4.4.
var (
	ErrNoSuchLevel    = fmt.Errorf("no orders at that price")
	ErrNoOrderForUser = fmt.Errorf("no order for that user at that price")
)

// CancelAt removes the first resting order at (side, price) owned by
// owner and returns its quantity. The price level is removed if it
// becomes empty. Fails with ErrNoSuchLevel if the level does not exist,
// or ErrNoOrderForUser if no order at that level belongs to owner.
func (b *Book) CancelAt(side common.Side, price decimal.Decimal, owner common.UserID) (int64, error) {
	levels := b.Side(side)
	lvl, ok := levels.GetMut(&PriceLevel{Price: price})
	if !ok {
		return 0, ErrNoSuchLevel
	}

	for i, order := range lvl.Orders {
		if order.Owner != owner {
			continue
		}
		qty := order.Quantity
		lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
		if len(lvl.Orders) == 0 {
			levels.Delete(lvl)
		}
		return qty, nil
	}
	return 0, ErrNoOrderForUser
}

// Snapshot copies both sides of the book into plain slices, ordered from
// best price outward, safe for a caller to read after further mutation
// (spec §5: "snapshot accessors must either return copies or be
// documented as read-only views").
func (b *Book) Snapshot() (bids, asks []PriceLevel) {
	bids = copyLevels(b.Bids)
	asks = copyLevels(b.Asks)
	return
}

func copyLevels(levels *priceLevels) []PriceLevel {
	items := levels.Items()
	out := make([]PriceLevel, len(items))
	for i, lvl := range items {
		orders := make([]*RestingOrder, len(lvl.Orders))
		for j, o := range lvl.Orders {
			cp := *o
			orders[j] = &cp
		}
		out[i] = PriceLevel{Price: lvl.Price, Orders: orders}
	}
	return out
}

// Prune removes every resting order at every price level on side for which
// keep returns false, deleting any price level left empty. It returns the
// total quantity removed. Used by clean_invalid_orders (spec §4.4).
func (b *Book) Prune(side common.Side, keep func(owner common.UserID, price decimal.Decimal, qty int64) bool) int64 {
	levels := b.Side(side)
	var removedQty int64
	var emptied []*PriceLevel

	levels.Scan(func(lvl *PriceLevel) bool {
		kept := lvl.Orders[:0]
		for _, order := range lvl.Orders {
			if keep(order.Owner, lvl.Price, order.Quantity) {
				kept = append(kept, order)
			} else {
				removedQty += order.Quantity
			}
		}
		lvl.Orders = kept
		if len(lvl.Orders) == 0 {
			emptied = append(emptied, lvl)
		}
		return true
	})
	for _, lvl := range emptied {
		levels.Delete(lvl)
	}
	return removedQty
}
