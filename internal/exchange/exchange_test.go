package exchange_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bourse/internal/common"
	"bourse/internal/config"
	"bourse/internal/exchange"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newExchange() *exchange.Exchange {
	return exchange.New(config.Config{})
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// TestIPOStock_SetsMarketPrice is spec §8 scenario 1.
func TestIPOStock_SetsMarketPrice(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 10_000, dec("100")))

	last, err := ex.GetLastTradedPrice("T")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, dec("100").Equal(*last))

	price, err := ex.GetStockPrice("T")
	require.NoError(t, err)
	require.NotNil(t, price)
	assert.True(t, dec("100").Equal(*price))

	snap, err := ex.GetStockOrders("T")
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
}

func TestIPOStock_DuplicateRejected(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 10_000, dec("100")))
	err := ex.IPOStock("T", 500, dec("50"))
	assert.ErrorIs(t, err, common.ErrDuplicateSymbol)
}

func TestIPOStock_NonPositivePriceFallsBackToDefault(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 100, dec("0")))
	last, err := ex.GetLastTradedPrice("T")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, dec("100").Equal(*last), "default_ipo_price is 100")
}

// TestPlaceOrder_SimpleCrossingLimitFill is spec §8 scenario 2.
func TestPlaceOrder_SimpleCrossingLimitFill(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 10_000, dec("100")))
	require.NoError(t, ex.AddUser(1, dec("10000"))) // A
	require.NoError(t, ex.AddUser(2, dec("0")))      // B
	require.NoError(t, ex.TransferStock(common.MarketUserID, 2, "T", 10))

	filled, notional, err := ex.PlaceOrder("T", 2, common.Ask, common.Limit, 5, ptr(dec("101")))
	require.NoError(t, err)
	assert.Equal(t, int64(0), filled, "B's ask rests; nothing to cross yet")
	assert.True(t, notional.IsZero())

	filled, notional, err = ex.PlaceOrder("T", 1, common.Bid, common.Limit, 5, ptr(dec("101")))
	require.NoError(t, err)
	assert.Equal(t, int64(5), filled)
	assert.True(t, dec("505").Equal(notional))

	balA, err := ex.GetUserBalance(1)
	require.NoError(t, err)
	assert.True(t, dec("9495").Equal(balA))

	balB, err := ex.GetUserBalance(2)
	require.NoError(t, err)
	assert.True(t, dec("505").Equal(balB))

	portA, err := ex.GetUserPortfolio(1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), portA["T"])

	portB, err := ex.GetUserPortfolio(2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), portB["T"])

	snap, err := ex.GetStockOrders("T")
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)

	last, err := ex.GetLastTradedPrice("T")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, dec("101").Equal(*last))
}

// TestPlaceOrder_MarketBidAgainstTwoLevels is spec §8 scenario 3.
func TestPlaceOrder_MarketBidAgainstTwoLevels(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 10_000, dec("100")))
	require.NoError(t, ex.AddUser(1, dec("1000"))) // buyer
	require.NoError(t, ex.AddUser(2, dec("0")))     // seller1
	require.NoError(t, ex.AddUser(3, dec("0")))     // seller2
	require.NoError(t, ex.TransferStock(common.MarketUserID, 2, "T", 3))
	require.NoError(t, ex.TransferStock(common.MarketUserID, 3, "T", 4))

	_, _, err := ex.PlaceOrder("T", 2, common.Ask, common.Limit, 3, ptr(dec("100")))
	require.NoError(t, err)
	_, _, err = ex.PlaceOrder("T", 3, common.Ask, common.Limit, 4, ptr(dec("102")))
	require.NoError(t, err)

	filled, notional, err := ex.PlaceOrder("T", 1, common.Bid, common.Market, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), filled)
	assert.True(t, dec("504").Equal(notional))

	snap, err := ex.GetStockOrders("T")
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.True(t, dec("102").Equal(snap.Asks[0].Price))
	require.Len(t, snap.Asks[0].Orders, 1)
	assert.Equal(t, int64(2), snap.Asks[0].Orders[0].Quantity)

	last, err := ex.GetLastTradedPrice("T")
	require.NoError(t, err)
	assert.True(t, dec("102").Equal(*last))
}

// TestPlaceOrder_PartialFillRests is spec §8 scenario 4.
func TestPlaceOrder_PartialFillRests(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 10_000, dec("100")))
	require.NoError(t, ex.AddUser(1, dec("10000"))) // buyer
	require.NoError(t, ex.AddUser(2, dec("0")))      // seller
	require.NoError(t, ex.TransferStock(common.MarketUserID, 2, "T", 2))

	_, _, err := ex.PlaceOrder("T", 2, common.Ask, common.Limit, 2, ptr(dec("100")))
	require.NoError(t, err)

	filled, notional, err := ex.PlaceOrder("T", 1, common.Bid, common.Limit, 5, ptr(dec("100")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), filled)
	assert.True(t, dec("200").Equal(notional))

	snap, err := ex.GetStockOrders("T")
	require.NoError(t, err)
	assert.Empty(t, snap.Asks)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Bids[0].Orders, 1)
	assert.Equal(t, int64(3), snap.Bids[0].Orders[0].Quantity)
	assert.Equal(t, common.UserID(1), snap.Bids[0].Orders[0].Owner)

	balance, err := ex.GetUserBalance(1)
	require.NoError(t, err)
	assert.True(t, dec("9800").Equal(balance))
}

// TestCleanInvalidOrders_RemovesStaleMakerAfterSkip is spec §8 scenario 5,
// continued through the sweep that finally removes the skipped order.
func TestCleanInvalidOrders_RemovesStaleMakerAfterSkip(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 10_000, dec("100")))
	require.NoError(t, ex.AddUser(1, dec("10000"))) // taker
	require.NoError(t, ex.AddUser(2, dec("0")))      // seller, 1 share
	require.NoError(t, ex.TransferStock(common.MarketUserID, 2, "T", 1))

	_, _, err := ex.PlaceOrder("T", 2, common.Ask, common.Limit, 1, ptr(dec("100")))
	require.NoError(t, err)
	_, _, err = ex.PlaceOrder("T", 2, common.Ask, common.Limit, 1, ptr(dec("100")))
	require.NoError(t, err)

	filled, _, err := ex.PlaceOrder("T", 1, common.Bid, common.Limit, 2, ptr(dec("100")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), filled)

	sellerShares, err := ex.GetUserPortfolio(2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sellerShares["T"])

	snap, err := ex.GetStockOrders("T")
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1, "the skipped order survives until the sweep runs")

	require.NoError(t, ex.CleanInvalidOrders("T"))
	snap, err = ex.GetStockOrders("T")
	require.NoError(t, err)
	assert.Empty(t, snap.Asks, "the sweep removes the order the seller can no longer honor")

	// Idempotent: a second sweep changes nothing further (spec P7).
	require.NoError(t, ex.CleanInvalidOrders("T"))
	snap2, err := ex.GetStockOrders("T")
	require.NoError(t, err)
	assert.Equal(t, snap, snap2)
}

// TestCancelOrder_RoundTrip is spec §8 scenario 6.
func TestCancelOrder_RoundTrip(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 10_000, dec("100")))
	require.NoError(t, ex.AddUser(1, dec("10000")))

	_, _, err := ex.PlaceOrder("T", 1, common.Bid, common.Limit, 5, ptr(dec("99")))
	require.NoError(t, err)

	qty, err := ex.CancelOrder("T", 1, common.Bid, dec("99"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), qty)

	snap, err := ex.GetStockOrders("T")
	require.NoError(t, err)
	assert.Empty(t, snap.Bids, "cancelling the only resting order at a price removes the level")

	balance, err := ex.GetUserBalance(1)
	require.NoError(t, err)
	assert.True(t, dec("10000").Equal(balance), "nothing was escrowed, so cancelling changes nothing")
}

func TestCancelOrder_UnknownOrderWrapped(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 100, dec("10")))
	require.NoError(t, ex.AddUser(1, dec("100")))

	_, err := ex.CancelOrder("T", 1, common.Bid, dec("99"))
	assert.ErrorIs(t, err, common.ErrUnknownOrder)
}

func TestPlaceOrder_UnknownSymbolRejected(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.AddUser(1, dec("100")))
	_, _, err := ex.PlaceOrder("NOPE", 1, common.Bid, common.Limit, 1, ptr(dec("10")))
	assert.ErrorIs(t, err, common.ErrUnknownSymbol)
}

func TestPlaceOrder_UnknownUserRejected(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 100, dec("10")))
	_, _, err := ex.PlaceOrder("T", 999, common.Bid, common.Limit, 1, ptr(dec("10")))
	assert.ErrorIs(t, err, common.ErrUnknownUser)
}

// TestVerifyConservation_HoldsAfterTrading exercises P1/P2 end to end:
// total cash and the total shares of the symbol are unchanged by trading.
func TestVerifyConservation_HoldsAfterTrading(t *testing.T) {
	ex := newExchange()
	require.NoError(t, ex.IPOStock("T", 1_000, dec("100")))
	require.NoError(t, ex.AddUser(1, dec("10000")))
	require.NoError(t, ex.AddUser(2, dec("0")))
	require.NoError(t, ex.TransferStock(common.MarketUserID, 2, "T", 10))

	cashBefore, sharesBefore := ex.VerifyConservation()

	_, _, err := ex.PlaceOrder("T", 2, common.Ask, common.Limit, 5, ptr(dec("101")))
	require.NoError(t, err)
	_, _, err = ex.PlaceOrder("T", 1, common.Bid, common.Limit, 5, ptr(dec("101")))
	require.NoError(t, err)

	cashAfter, sharesAfter := ex.VerifyConservation()
	assert.True(t, cashBefore.Equal(cashAfter), "trading only moves cash between users, it never creates or destroys it")
	assert.Equal(t, sharesBefore["T"], sharesAfter["T"])
	assert.Equal(t, int64(1_000), sharesAfter["T"])
}
