// Package exchange is the public surface of the core (spec §4.4): symbol
// lifecycle (IPO), user lifecycle, queries, order placement and
// cancellation, and the clean_invalid_orders sweep. It owns the Ledger and
// every symbol's Book, and serializes every mutating call behind a single
// mutex so that no caller ever observes a partially applied match (spec §5).
//
// Grounded on original_source/StockExchange.py's StockExchange class (the
// method set and call order are followed directly) and on the teacher's
// cmd/server/server.go wiring style for how the engine is constructed and
// handed its collaborators.
package exchange

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"bourse/internal/book"
	"bourse/internal/common"
	"bourse/internal/config"
	"bourse/internal/ledger"
	"bourse/internal/matching"
)

// symbol bundles the per-symbol state the facade owns: its book, its last
// traded price, and the total supply issued at IPO.
type symbol struct {
	book        *book.Book
	lastPrice   *decimal.Decimal
	totalIssued int64
}

// BookSnapshot is the point-in-time view returned by GetStockOrders.
type BookSnapshot struct {
	Bids []book.PriceLevel
	Asks []book.PriceLevel
}

// Exchange is the core: ledger + per-symbol books behind one mutex.
type Exchange struct {
	mu      sync.RWMutex
	ledger  *ledger.Ledger
	engine  *matching.Engine
	symbols map[string]*symbol
	cfg     config.Config
	log     zerolog.Logger
}

// New creates an exchange with the market user (id 0) already registered,
// per spec §3's "Market account". cfg supplies defaults (IPO price, etc);
// the zero value config.Config yields spec.md's documented defaults.
func New(cfg config.Config, logger ...zerolog.Logger) *Exchange {
	lg := log.Logger
	if len(logger) > 0 {
		lg = logger[0]
	}
	l := ledger.New(lg)
	return &Exchange{
		ledger:  l,
		engine:  matching.New(l, lg),
		symbols: make(map[string]*symbol),
		cfg:     cfg.WithDefaults(),
		log:     lg,
	}
}

// API is the boundary spec §6 describes: everything an external driver (the
// out-of-scope random-trader policy) needs to create symbols and users,
// query state, and place/cancel/transfer. External order-generation
// policies should depend on API, not on *Exchange, so a test double can
// stand in for the real core.
type API interface {
	IPOStock(symbol string, quantity int64, price decimal.Decimal) error
	AddUser(id common.UserID, initialBalance decimal.Decimal) error
	GetUserBalance(id common.UserID) (decimal.Decimal, error)
	GetUserPortfolio(id common.UserID) (map[string]int64, error)
	GetStockOrders(symbol string) (BookSnapshot, error)
	GetLastTradedPrice(symbol string) (*decimal.Decimal, error)
	GetStockPrice(symbol string) (*decimal.Decimal, error)
	GetLowestAsk(symbol string) (*decimal.Decimal, error)
	GetHighestBid(symbol string) (*decimal.Decimal, error)
	TransferStock(from, to common.UserID, symbol string, qty int64) error
	TransferMoney(from, to common.UserID, amount decimal.Decimal) error
	PlaceOrder(symbol string, user common.UserID, side common.Side, typ common.OrderType, qty int64, price *decimal.Decimal) (int64, decimal.Decimal, error)
	CancelOrder(symbol string, user common.UserID, side common.Side, price decimal.Decimal) (int64, error)
	CleanInvalidOrders(symbol string) error
}

var _ API = (*Exchange)(nil)

// Driver is the interface spec §1/§6 describe but explicitly place out of
// scope: an exogenous policy that produces a stream of orders against API.
// bourse declares the boundary; it does not implement a driver.
type Driver interface {
	// NextOrder yields the next order to submit, or ok=false when the
	// driver has nothing more to produce right now.
	NextOrder() (symbolID string, user common.UserID, side common.Side, typ common.OrderType, qty int64, price *decimal.Decimal, ok bool)
}

// IPOStock creates symbol with quantity shares minted to the market user
// and sets its initial last-traded price. Fails with ErrDuplicateSymbol or
// ErrInvalidInput (quantity<=0).
func (ex *Exchange) IPOStock(symbolID string, quantity int64, price decimal.Decimal) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if _, exists := ex.symbols[symbolID]; exists {
		return fmt.Errorf("%w: %s", common.ErrDuplicateSymbol, symbolID)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: IPO quantity %d must be positive", common.ErrInvalidInput, quantity)
	}
	if !price.IsPositive() {
		price = ex.cfg.DefaultIPOPrice
	}

	if err := ex.ledger.CreditShares(common.MarketUserID, symbolID, quantity); err != nil {
		return err
	}

	lastPrice := price
	ex.symbols[symbolID] = &symbol{
		book:        book.New(),
		lastPrice:   &lastPrice,
		totalIssued: quantity,
	}

	ex.log.Info().
		Str("symbol", symbolID).
		Int64("quantity", quantity).
		Str("price", price.String()).
		Msg("ipo")
	return nil
}

// AddUser registers a new user with an initial balance (spec §4.1).
func (ex *Exchange) AddUser(id common.UserID, initialBalance decimal.Decimal) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.AddUser(id, initialBalance)
}

// GetUserBalance delegates to the ledger.
func (ex *Exchange) GetUserBalance(id common.UserID) (decimal.Decimal, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	return ex.ledger.GetBalance(id)
}

// GetUserPortfolio delegates to the ledger.
func (ex *Exchange) GetUserPortfolio(id common.UserID) (map[string]int64, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	return ex.ledger.GetPortfolio(id)
}

// TransferStock is an administrative/direct ledger transfer (spec §4.4),
// e.g. for distributing a symbol's initial supply outside of trading.
func (ex *Exchange) TransferStock(from, to common.UserID, symbolID string, qty int64) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.TransferStock(from, to, symbolID, qty)
}

// TransferMoney is an administrative/direct ledger transfer (spec §4.4).
func (ex *Exchange) TransferMoney(from, to common.UserID, amount decimal.Decimal) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.TransferMoney(from, to, amount)
}

func (ex *Exchange) getSymbol(symbolID string) (*symbol, error) {
	sym, ok := ex.symbols[symbolID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownSymbol, symbolID)
	}
	return sym, nil
}

// GetStockOrders returns a snapshot of both sides of symbolID's book.
func (ex *Exchange) GetStockOrders(symbolID string) (BookSnapshot, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	sym, err := ex.getSymbol(symbolID)
	if err != nil {
		return BookSnapshot{}, err
	}
	bids, asks := sym.book.Snapshot()
	return BookSnapshot{Bids: bids, Asks: asks}, nil
}

// GetLastTradedPrice returns the stored last price: the IPO price until the
// first fill, then the price of the most recent fill. A symbol that was
// never IPO'd fails with ErrUnknownSymbol.
func (ex *Exchange) GetLastTradedPrice(symbolID string) (*decimal.Decimal, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	sym, err := ex.getSymbol(symbolID)
	if err != nil {
		return nil, err
	}
	return sym.lastPrice, nil
}

// GetStockPrice returns, in priority order: last traded price if set; else
// the mid of best bid/ask; else best ask alone; else best bid alone; else
// nil. Spec §9 records that the mid/ask-only/bid-only branches are
// unreachable once IPO has run (it always sets last_traded_price) — this
// is the observed behavior of original_source/StockExchange.py, preserved
// verbatim rather than "fixed".
func (ex *Exchange) GetStockPrice(symbolID string) (*decimal.Decimal, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	sym, err := ex.getSymbol(symbolID)
	if err != nil {
		return nil, err
	}
	if sym.lastPrice != nil {
		return sym.lastPrice, nil
	}

	bid, hasBid := sym.book.BestBid()
	ask, hasAsk := sym.book.BestAsk()
	switch {
	case hasBid && hasAsk:
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		return &mid, nil
	case hasAsk:
		return &ask, nil
	case hasBid:
		return &bid, nil
	default:
		return nil, nil
	}
}

// GetLowestAsk returns the best ask price, or nil if there are no asks.
func (ex *Exchange) GetLowestAsk(symbolID string) (*decimal.Decimal, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	sym, err := ex.getSymbol(symbolID)
	if err != nil {
		return nil, err
	}
	if ask, ok := sym.book.BestAsk(); ok {
		return &ask, nil
	}
	return nil, nil
}

// GetHighestBid returns the best bid price, or nil if there are no bids.
func (ex *Exchange) GetHighestBid(symbolID string) (*decimal.Decimal, error) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	sym, err := ex.getSymbol(symbolID)
	if err != nil {
		return nil, err
	}
	if bid, ok := sym.book.BestBid(); ok {
		return &bid, nil
	}
	return nil, nil
}

// PlaceOrder places an order for user against symbolID's book and returns
// the (filled_qty, notional) execution report (spec §4.3/§4.4). A fill of
// nothing is a successful (0, 0) return, not an error; only pre-check
// failures surface as errors (spec §7).
func (ex *Exchange) PlaceOrder(symbolID string, user common.UserID, side common.Side, typ common.OrderType, qty int64, price *decimal.Decimal) (int64, decimal.Decimal, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	sym, err := ex.getSymbol(symbolID)
	if err != nil {
		return 0, decimal.Zero, err
	}
	if !ex.ledger.HasUser(user) {
		return 0, decimal.Zero, fmt.Errorf("%w: user %d", common.ErrUnknownUser, user)
	}

	req := matching.Request{
		Symbol:     symbolID,
		Taker:      user,
		Side:       side,
		Type:       typ,
		Quantity:   qty,
		LimitPrice: price,
	}

	result, err := ex.engine.Match(sym.book, req, func(p decimal.Decimal) {
		sym.lastPrice = &p
	})
	if err != nil {
		return 0, decimal.Zero, err
	}
	return result.FilledQty, result.Notional, nil
}

// CancelOrder removes the first resting order at (side, price) owned by
// user and returns its quantity. Fails with ErrUnknownOrder if the price
// level does not exist or no order there belongs to user (spec §4.4).
func (ex *Exchange) CancelOrder(symbolID string, user common.UserID, side common.Side, price decimal.Decimal) (int64, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	sym, err := ex.getSymbol(symbolID)
	if err != nil {
		return 0, err
	}

	qty, err := sym.book.CancelAt(side, price, user)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", common.ErrUnknownOrder, err)
	}

	ex.log.Debug().
		Str("symbol", symbolID).
		Int64("user", int64(user)).
		Str("side", side.String()).
		Str("price", price.String()).
		Int64("qty", qty).
		Msg("order cancelled")
	return qty, nil
}

// CleanInvalidOrders sweeps both sides of symbolID's book, dropping resting
// bids whose owner's balance no longer covers price*qty and resting asks
// whose owner no longer holds enough shares, removing any price level left
// empty. Idempotent: calling it twice in a row leaves the second call's
// book unchanged (spec P7).
func (ex *Exchange) CleanInvalidOrders(symbolID string) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	sym, err := ex.getSymbol(symbolID)
	if err != nil {
		return err
	}

	removedBidQty := sym.book.Prune(common.Bid, func(owner common.UserID, price decimal.Decimal, qty int64) bool {
		balance, err := ex.ledger.GetBalance(owner)
		if err != nil {
			return false
		}
		return balance.GreaterThanOrEqual(price.Mul(decimal.NewFromInt(qty)))
	})
	removedAskQty := sym.book.Prune(common.Ask, func(owner common.UserID, _ decimal.Decimal, qty int64) bool {
		held, err := ex.ledger.SharesOf(owner, symbolID)
		if err != nil {
			return false
		}
		return held >= qty
	})

	if removedBidQty > 0 || removedAskQty > 0 {
		ex.log.Debug().
			Str("symbol", symbolID).
			Int64("removedBidQty", removedBidQty).
			Int64("removedAskQty", removedAskQty).
			Msg("swept invalid resting orders")
	}
	return nil
}

// PrintMarketSummary renders a human-readable snapshot of every symbol's
// book plus every user's balance and portfolio — a diagnostic, not part of
// the core semantics (spec §4.4), returned as a string rather than written
// to stdout directly so the caller decides where it goes.
func (ex *Exchange) PrintMarketSummary() string {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("Market Summary:\n")
	for symbolID, sym := range ex.symbols {
		fmt.Fprintf(&sb, "Symbol: %s\n", symbolID)
		for _, lvl := range sym.book.Asks.Items() {
			fmt.Fprintf(&sb, "  Ask at %s, Orders: %v\n", lvl.Price, lvl.Orders)
		}
		sb.WriteString("---\n")
		for _, lvl := range sym.book.Bids.Items() {
			fmt.Fprintf(&sb, "  Bid at %s, Orders: %v\n", lvl.Price, lvl.Orders)
		}
	}
	return sb.String()
}

// VerifyConservation sums every user's cash balance and, per symbol, every
// user's portfolio plus the quantity of every resting ask order. Resting
// asks are not escrowed out of the seller's portfolio, so shares under a
// resting ask are counted twice: the per-symbol total equals the supply
// issued at IPO only while no ask order rests.
func (ex *Exchange) VerifyConservation() (decimal.Decimal, map[string]int64) {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	totalCash := ex.ledger.TotalCash()
	totals := ex.ledger.TotalShares()
	for symbolID, sym := range ex.symbols {
		for _, lvl := range sym.book.Asks.Items() {
			for _, o := range lvl.Orders {
				totals[symbolID] += o.Quantity
			}
		}
	}
	return totalCash, totals
}
