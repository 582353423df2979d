// Package ledger holds per-user cash balances and per-user, per-symbol share
// portfolios, and exposes the guarded transfers spec §4.1 requires. The
// Ledger owns this state; callers never reach into an Account directly.
package ledger

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"bourse/internal/common"
)

// Account is a single user's cash balance and share portfolio. Portfolio
// entries at zero are removed rather than kept at 0, per spec I2's
// preference for sparse iteration.
type Account struct {
	Balance   decimal.Decimal
	Portfolio map[string]int64
}

// Ledger is safe for concurrent use: every operation is a guarded, atomic
// point mutation. The exchange facade additionally serializes all calls
// through its own mutex (spec §5), so this lock mostly protects callers
// that use the Ledger directly (e.g. tests, or administrative transfers).
type Ledger struct {
	mu       sync.Mutex
	accounts map[common.UserID]*Account
	log      zerolog.Logger
}

// New creates an empty ledger and registers the market user (id 0) with a
// zero balance, mirroring the original's `self.add_user(0)` at construction.
func New(logger ...zerolog.Logger) *Ledger {
	l := &Ledger{
		accounts: make(map[common.UserID]*Account),
		log:      log.Logger,
	}
	if len(logger) > 0 {
		l.log = logger[0]
	}
	// The market user always exists; ignore the error since accounts is empty.
	_ = l.addUserLocked(common.MarketUserID, decimal.Zero)
	return l
}

// AddUser registers a new user with an initial balance. Fails with
// ErrDuplicateUser if id exists, or ErrInvalidInput if balance < 0.
func (l *Ledger) AddUser(id common.UserID, initialBalance decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addUserLocked(id, initialBalance)
}

func (l *Ledger) addUserLocked(id common.UserID, initialBalance decimal.Decimal) error {
	if _, exists := l.accounts[id]; exists {
		return fmt.Errorf("%w: user %d", common.ErrDuplicateUser, id)
	}
	if initialBalance.IsNegative() {
		return fmt.Errorf("%w: initial balance %s is negative", common.ErrInvalidInput, initialBalance)
	}
	l.accounts[id] = &Account{
		Balance:   initialBalance,
		Portfolio: make(map[string]int64),
	}
	return nil
}

// GetBalance returns a user's cash balance. Fails with ErrUnknownUser.
func (l *Ledger) GetBalance(id common.UserID) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: user %d", common.ErrUnknownUser, id)
	}
	return acc.Balance, nil
}

// GetPortfolio returns a copy of a user's share portfolio; mutating the
// returned map never affects the ledger. Fails with ErrUnknownUser.
func (l *Ledger) GetPortfolio(id common.UserID) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", common.ErrUnknownUser, id)
	}
	out := make(map[string]int64, len(acc.Portfolio))
	for sym, qty := range acc.Portfolio {
		out[sym] = qty
	}
	return out, nil
}

// SharesOf returns how many shares of symbol a user holds, 0 if none.
// Fails with ErrUnknownUser.
func (l *Ledger) SharesOf(id common.UserID, symbol string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return 0, fmt.Errorf("%w: user %d", common.ErrUnknownUser, id)
	}
	return acc.Portfolio[symbol], nil
}

// HasUser reports whether id has been added.
func (l *Ledger) HasUser(id common.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.accounts[id]
	return ok
}

// TransferMoney atomically moves amount from from's balance to to's. Either
// both sides change or neither does. Fails with ErrInvalidInput (amount<=0),
// ErrUnknownUser, or ErrInsufficientFunds.
func (l *Ledger) TransferMoney(from, to common.UserID, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !amount.IsPositive() {
		return fmt.Errorf("%w: transfer amount %s must be positive", common.ErrInvalidInput, amount)
	}
	fromAcc, ok := l.accounts[from]
	if !ok {
		return fmt.Errorf("%w: user %d", common.ErrUnknownUser, from)
	}
	toAcc, ok := l.accounts[to]
	if !ok {
		return fmt.Errorf("%w: user %d", common.ErrUnknownUser, to)
	}
	if fromAcc.Balance.LessThan(amount) {
		return fmt.Errorf("%w: user %d has %s, needs %s", common.ErrInsufficientFunds, from, fromAcc.Balance, amount)
	}

	fromAcc.Balance = fromAcc.Balance.Sub(amount)
	toAcc.Balance = toAcc.Balance.Add(amount)

	l.log.Debug().
		Int64("from", int64(from)).
		Int64("to", int64(to)).
		Str("amount", amount.String()).
		Msg("money transferred")
	return nil
}

// TransferStock atomically moves qty shares of symbol from from's portfolio
// to to's, removing the key entirely when it reaches 0. Fails with
// ErrInvalidInput (qty<=0), ErrUnknownUser, or ErrInsufficientShares.
func (l *Ledger) TransferStock(from, to common.UserID, symbol string, qty int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if qty <= 0 {
		return fmt.Errorf("%w: transfer quantity %d must be positive", common.ErrInvalidInput, qty)
	}
	fromAcc, ok := l.accounts[from]
	if !ok {
		return fmt.Errorf("%w: user %d", common.ErrUnknownUser, from)
	}
	toAcc, ok := l.accounts[to]
	if !ok {
		return fmt.Errorf("%w: user %d", common.ErrUnknownUser, to)
	}
	held := fromAcc.Portfolio[symbol]
	if held < qty {
		return fmt.Errorf("%w: user %d has %d of %s, needs %d", common.ErrInsufficientShares, from, held, symbol, qty)
	}

	remaining := held - qty
	if remaining == 0 {
		delete(fromAcc.Portfolio, symbol)
	} else {
		fromAcc.Portfolio[symbol] = remaining
	}
	toAcc.Portfolio[symbol] += qty

	l.log.Debug().
		Int64("from", int64(from)).
		Int64("to", int64(to)).
		Str("symbol", symbol).
		Int64("qty", qty).
		Msg("stock transferred")
	return nil
}

// CreditShares mints qty shares of symbol directly into to's portfolio with
// no counterparty debit. Used only by IPO to seed the market user's
// portfolio with newly issued supply.
func (l *Ledger) CreditShares(to common.UserID, symbol string, qty int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	toAcc, ok := l.accounts[to]
	if !ok {
		return fmt.Errorf("%w: user %d", common.ErrUnknownUser, to)
	}
	toAcc.Portfolio[symbol] += qty
	return nil
}

// TotalCash sums every user's balance. Used by verify_conservation (spec I3).
func (l *Ledger) TotalCash() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, acc := range l.accounts {
		total = total.Add(acc.Balance)
	}
	return total
}

// TotalShares sums every user's holdings per symbol. Used by
// verify_conservation (spec I4); callers that also need resting-ask
// liquidity should add it in themselves, since the ledger does not track
// the book (spec: resting asks do not escrow shares).
func (l *Ledger) TotalShares() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	totals := make(map[string]int64)
	for _, acc := range l.accounts {
		for sym, qty := range acc.Portfolio {
			totals[sym] += qty
		}
	}
	return totals
}
