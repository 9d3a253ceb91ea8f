package perp

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, users ...string) (*MatchingEngine, *PositionManager) {
	t.Helper()
	pm := newTestManager(t, users...)
	me := NewMatchingEngine(pm, nil, testLogger())
	return me, pm
}

func TestPlaceOrderValidation(t *testing.T) {
	me, _ := newTestEngine(t, "alice")

	cases := []struct {
		name  string
		order *Order
		want  error
	}{
		{"zero quantity", limitOrder("alice", Buy, "0", "60000", 1), ErrInvalidQuantity},
		{"negative quantity", limitOrder("alice", Buy, "-1", "60000", 1), ErrInvalidQuantity},
		{"zero price", limitOrder("alice", Buy, "1", "0", 1), ErrInvalidPrice},
		{"market order zero price", &Order{
			UserID: "alice", Side: Buy, Type: Market,
			Quantity: d("1"), Leverage: 1,
		}, ErrInvalidPrice},
		{"leverage too low", limitOrder("alice", Buy, "1", "60000", 0), ErrInvalidLeverage},
		{"leverage too high", limitOrder("alice", Buy, "1", "60000", 11), ErrInvalidLeverage},
		{"unknown user", limitOrder("nobody", Buy, "1", "60000", 1), ErrUserNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := me.PlaceOrder(tc.order)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	stats := me.Statistics()
	assert.Equal(t, 0, stats.OrdersPlaced)
	assert.Equal(t, len(cases), stats.OrdersRejected)
	assert.True(t, me.Book().TotalRestingVolume().IsZero(), "rejected orders must not rest")
}

func TestPlaceOrderMarginCheck(t *testing.T) {
	pm := NewPositionManager(testLogger())
	require.NoError(t, pm.AddUser("poor", d("100")))
	me := NewMatchingEngine(pm, nil, testLogger())

	// 1 * 60000 / 10 = 6000 needed, only 100 free.
	_, err := me.PlaceOrder(limitOrder("poor", Buy, "1", "60000", 10))
	assert.ErrorIs(t, err, ErrInsufficientMargin)
	assert.True(t, me.Book().TotalRestingVolume().IsZero())

	u, _ := pm.GetUser("poor")
	assert.True(t, u.Collateral.Equal(d("100")), "no state change on rejection")
}

func TestRestingOrdersReserveMargin(t *testing.T) {
	pm := NewPositionManager(testLogger())
	require.NoError(t, pm.AddUser("seller", d("12000")))
	require.NoError(t, pm.AddUser("buyer", d("100000")))
	me := NewMatchingEngine(pm, nil, testLogger())

	// Each sell needs exactly the seller's 12000; the first claims it.
	_, err := me.PlaceOrder(limitOrder("seller", Sell, "1", "60000", 5))
	require.NoError(t, err)

	t.Run("second stacked order rejected", func(t *testing.T) {
		_, err := me.PlaceOrder(limitOrder("seller", Sell, "1", "60000", 5))
		assert.ErrorIs(t, err, ErrInsufficientMargin)
	})

	t.Run("sides stay balanced after a cross", func(t *testing.T) {
		res, err := me.PlaceOrder(limitOrder("buyer", Buy, "2", "60000", 5))
		require.NoError(t, err)
		require.Len(t, res.Trades, 1, "only the funded sell may fill")

		buyer, _ := pm.GetUser("buyer")
		seller, _ := pm.GetUser("seller")
		require.NotNil(t, buyer.Position)
		require.NotNil(t, seller.Position)
		assert.True(t, buyer.Position.Quantity.Equal(seller.Position.Quantity),
			"open interest out of balance: long %s short %s",
			buyer.Position.Quantity, seller.Position.Quantity)
	})

	t.Run("reducing order reserves nothing", func(t *testing.T) {
		// Seller is short 1 with zero free collateral; a closing buy
		// needs no new margin and must pass.
		_, err := me.PlaceOrder(limitOrder("seller", Buy, "1", "60000", 5))
		assert.NoError(t, err)
	})
}

func TestPlaceOrderMatchesAndSettles(t *testing.T) {
	me, pm := newTestEngine(t, "alice", "bob")

	res, err := me.PlaceOrder(limitOrder("bob", Sell, "1", "60000", 5))
	require.NoError(t, err)
	assert.Empty(t, res.Trades)

	res, err = me.PlaceOrder(limitOrder("alice", Buy, "1", "60000", 10))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, Filled, res.Order.Status)

	alice, _ := pm.GetUser("alice")
	require.NotNil(t, alice.Position)
	assert.Equal(t, Long, alice.Position.Side)
	bob, _ := pm.GetUser("bob")
	require.NotNil(t, bob.Position)
	assert.Equal(t, Short, bob.Position.Side)

	history := me.TradeHistory(0)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", history[0].BuyUserID)
	assert.Equal(t, "bob", history[0].SellUserID)

	stats := me.Statistics()
	assert.Equal(t, 2, stats.OrdersPlaced)
	assert.Equal(t, 1, stats.TradesExecuted)
	assert.True(t, stats.TotalVolume.Equal(d("1")))
	assert.True(t, stats.TotalNotional.Equal(d("60000")))
}

func TestPlaceMarketOrder(t *testing.T) {
	me, pm := newTestEngine(t, "alice", "bob")

	t.Run("no liquidity", func(t *testing.T) {
		_, err := me.PlaceMarketOrder("alice", Buy, d("1"), 5)
		assert.ErrorIs(t, err, ErrNoLiquidity)
	})

	t.Run("executes at the touch", func(t *testing.T) {
		_, err := me.PlaceOrder(limitOrder("bob", Sell, "1", "60000", 5))
		require.NoError(t, err)

		res, err := me.PlaceMarketOrder("alice", Buy, d("1"), 5)
		require.NoError(t, err)
		require.Len(t, res.Trades, 1)
		assert.True(t, res.Trades[0].Price.Equal(d("60000")))

		alice, _ := pm.GetUser("alice")
		require.NotNil(t, alice.Position)
		assert.True(t, alice.Position.EntryPrice.Equal(d("60000")))
	})
}

func TestCancelOrderThroughEngine(t *testing.T) {
	me, _ := newTestEngine(t, "alice")

	res, err := me.PlaceOrder(limitOrder("alice", Buy, "1", "59000", 5))
	require.NoError(t, err)

	t.Run("wrong owner", func(t *testing.T) {
		err := me.CancelOrder(res.Order.ID, "mallory")
		assert.ErrorIs(t, err, ErrNotOrderOwner)
	})

	t.Run("owner cancels", func(t *testing.T) {
		require.NoError(t, me.CancelOrder(res.Order.ID, "alice"))
		status, err := me.OrderStatus(res.Order.ID)
		require.NoError(t, err)
		assert.Equal(t, Cancelled, status)
	})

	t.Run("repeat cancel", func(t *testing.T) {
		err := me.CancelOrder(res.Order.ID, "alice")
		assert.ErrorIs(t, err, ErrOrderNotCancelable)
	})

	t.Run("unknown order", func(t *testing.T) {
		err := me.CancelOrder(uuid.New(), "alice")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})
}

func TestQuoteAndUserOrders(t *testing.T) {
	me, _ := newTestEngine(t, "alice", "bob")

	_, err := me.PlaceOrder(limitOrder("alice", Buy, "1", "59000", 5))
	require.NoError(t, err)
	_, err = me.PlaceOrder(limitOrder("bob", Sell, "1", "61000", 5))
	require.NoError(t, err)

	q := me.Quote()
	require.True(t, q.HasBid)
	require.True(t, q.HasAsk)
	assert.True(t, q.Spread.Equal(d("2000")))

	orders := me.UserOrders("alice")
	require.Len(t, orders, 1)
	assert.Equal(t, Open, orders[0].Status)

	depth := me.Depth(5)
	assert.Len(t, depth.Bids, 1)
	assert.Len(t, depth.Asks, 1)
}

func TestConservationAcrossTrades(t *testing.T) {
	// Total collateral plus realized PNL across all users stays constant
	// through matched trading (no fees on plain trades).
	me, pm := newTestEngine(t, "alice", "bob")

	total := func() decimal.Decimal {
		sum := decimal.Zero
		for _, u := range pm.Users() {
			sum = sum.Add(u.Collateral)
			if u.Position != nil {
				sum = sum.Add(u.Position.Collateral)
			}
		}
		return sum
	}
	before := total()

	_, err := me.PlaceOrder(limitOrder("bob", Sell, "2", "60000", 5))
	require.NoError(t, err)
	_, err = me.PlaceOrder(limitOrder("alice", Buy, "2", "60000", 10))
	require.NoError(t, err)

	// Close half at a different price.
	_, err = me.PlaceOrder(limitOrder("alice", Sell, "1", "62000", 10))
	require.NoError(t, err)
	_, err = me.PlaceOrder(limitOrder("bob", Buy, "1", "62000", 5))
	require.NoError(t, err)

	assert.True(t, total().Equal(before),
		"collateral not conserved: before %s after %s", before, total())
}
