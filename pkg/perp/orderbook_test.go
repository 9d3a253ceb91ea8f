package perp

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitOrder(user string, side Side, qty, price string, leverage int) *Order {
	return &Order{
		UserID:   user,
		Side:     side,
		Type:     Limit,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.RequireFromString(price),
		Leverage: leverage,
	}
}

func TestOrderBookMatching(t *testing.T) {
	t.Run("no match when prices do not cross", func(t *testing.T) {
		book := NewOrderBook()
		trades := book.Submit(limitOrder("alice", Buy, "1", "59000", 1))
		assert.Empty(t, trades)
		trades = book.Submit(limitOrder("bob", Sell, "1", "60000", 1))
		assert.Empty(t, trades)

		bid, ok := book.BestBid()
		require.True(t, ok)
		assert.True(t, bid.Equal(decimal.RequireFromString("59000")))
		ask, ok := book.BestAsk()
		require.True(t, ok)
		assert.True(t, ask.Equal(decimal.RequireFromString("60000")))
	})

	t.Run("full fill at maker price", func(t *testing.T) {
		book := NewOrderBook()
		maker := limitOrder("alice", Sell, "1", "60000", 1)
		book.Submit(maker)

		// Taker crosses with a more aggressive limit; the trade still
		// prints at the resting 60000.
		taker := limitOrder("bob", Buy, "1", "61000", 1)
		trades := book.Submit(taker)

		require.Len(t, trades, 1)
		assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("60000")))
		assert.True(t, trades[0].Quantity.Equal(decimal.NewFromInt(1)))
		assert.Equal(t, Filled, maker.Status)
		assert.Equal(t, Filled, taker.Status)

		_, ok := book.BestAsk()
		assert.False(t, ok, "filled level should be removed")
	})

	t.Run("partial fill leaves remainder resting", func(t *testing.T) {
		book := NewOrderBook()
		book.Submit(limitOrder("alice", Sell, "0.3", "60000", 1))

		taker := limitOrder("bob", Buy, "1.0", "60000", 1)
		trades := book.Submit(taker)

		require.Len(t, trades, 1)
		assert.True(t, trades[0].Quantity.Equal(decimal.RequireFromString("0.3")))
		assert.Equal(t, PartiallyFilled, taker.Status)
		assert.True(t, taker.Remaining().Equal(decimal.RequireFromString("0.7")))

		bid, ok := book.BestBid()
		require.True(t, ok)
		assert.True(t, bid.Equal(decimal.RequireFromString("60000")))
	})

	t.Run("sweeps multiple levels by price priority", func(t *testing.T) {
		book := NewOrderBook()
		book.Submit(limitOrder("a", Sell, "1", "60100", 1))
		book.Submit(limitOrder("b", Sell, "1", "60000", 1))
		book.Submit(limitOrder("c", Sell, "1", "60200", 1))

		trades := book.Submit(limitOrder("taker", Buy, "2", "60150", 1))
		require.Len(t, trades, 2)
		assert.True(t, trades[0].Price.Equal(decimal.RequireFromString("60000")))
		assert.True(t, trades[1].Price.Equal(decimal.RequireFromString("60100")))

		ask, ok := book.BestAsk()
		require.True(t, ok)
		assert.True(t, ask.Equal(decimal.RequireFromString("60200")))
	})

	t.Run("time priority within a level", func(t *testing.T) {
		book := NewOrderBook()
		first := limitOrder("a", Sell, "1", "60000", 1)
		second := limitOrder("b", Sell, "1", "60000", 1)
		book.Submit(first)
		book.Submit(second)

		trades := book.Submit(limitOrder("taker", Buy, "1", "60000", 1))
		require.Len(t, trades, 1)
		assert.Equal(t, first.ID, trades[0].SellOrderID)
		assert.Equal(t, Filled, first.Status)
		assert.Equal(t, Open, second.Status)
	})

	t.Run("zero quantity order is a no-op", func(t *testing.T) {
		book := NewOrderBook()
		o := limitOrder("a", Buy, "0", "60000", 1)
		trades := book.Submit(o)
		assert.Empty(t, trades)
		assert.Equal(t, Filled, o.Status)
		_, ok := book.BestBid()
		assert.False(t, ok)
	})
}

func TestOrderBookCancel(t *testing.T) {
	t.Run("cancel removes resting order and empty level", func(t *testing.T) {
		book := NewOrderBook()
		o := limitOrder("alice", Buy, "1", "59000", 1)
		book.Submit(o)

		require.NoError(t, book.Cancel(o.ID, "alice"))
		assert.Equal(t, Cancelled, o.Status)
		_, ok := book.BestBid()
		assert.False(t, ok)
	})

	t.Run("unknown id", func(t *testing.T) {
		book := NewOrderBook()
		err := book.Cancel(uuid.New(), "alice")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	})

	t.Run("non-owner cannot cancel", func(t *testing.T) {
		book := NewOrderBook()
		o := limitOrder("alice", Buy, "1", "59000", 1)
		book.Submit(o)

		err := book.Cancel(o.ID, "mallory")
		assert.ErrorIs(t, err, ErrNotOrderOwner)
		assert.Equal(t, Open, o.Status)
	})

	t.Run("second cancel is invalid state, not missing", func(t *testing.T) {
		book := NewOrderBook()
		o := limitOrder("alice", Buy, "1", "59000", 1)
		book.Submit(o)

		require.NoError(t, book.Cancel(o.ID, "alice"))
		err := book.Cancel(o.ID, "alice")
		assert.ErrorIs(t, err, ErrOrderNotCancelable)
	})

	t.Run("filled order cannot be cancelled", func(t *testing.T) {
		book := NewOrderBook()
		o := limitOrder("alice", Sell, "1", "60000", 1)
		book.Submit(o)
		book.Submit(limitOrder("bob", Buy, "1", "60000", 1))
		require.Equal(t, Filled, o.Status)

		err := book.Cancel(o.ID, "alice")
		assert.ErrorIs(t, err, ErrOrderNotCancelable)
	})

	t.Run("partially filled order cancels its remainder", func(t *testing.T) {
		book := NewOrderBook()
		o := limitOrder("alice", Sell, "1", "60000", 1)
		book.Submit(o)
		book.Submit(limitOrder("bob", Buy, "0.4", "60000", 1))
		require.Equal(t, PartiallyFilled, o.Status)

		require.NoError(t, book.Cancel(o.ID, "alice"))
		assert.Equal(t, Cancelled, o.Status)
		assert.True(t, book.TotalRestingVolume().IsZero())
	})
}

func TestOrderBookDepthAndVolume(t *testing.T) {
	book := NewOrderBook()
	book.Submit(limitOrder("a", Buy, "1", "59000", 1))
	book.Submit(limitOrder("b", Buy, "2", "58000", 1))
	book.Submit(limitOrder("c", Buy, "0.5", "59000", 1))
	book.Submit(limitOrder("d", Sell, "1", "61000", 1))

	depth := book.Depth(1)
	require.Len(t, depth.Bids, 1)
	require.Len(t, depth.Asks, 1)
	assert.True(t, depth.Bids[0].Price.Equal(decimal.RequireFromString("59000")))
	assert.True(t, depth.Bids[0].Quantity.Equal(decimal.RequireFromString("1.5")))

	full := book.Depth(0)
	assert.Len(t, full.Bids, 2)

	assert.True(t, book.TotalRestingVolume().Equal(decimal.RequireFromString("4.5")))

	spread, ok := book.Spread()
	require.True(t, ok)
	assert.True(t, spread.Equal(decimal.RequireFromString("2000")))
}

func TestOrderBookNeverCrossed(t *testing.T) {
	book := NewOrderBook()
	book.Submit(limitOrder("a", Sell, "1", "60000", 1))
	book.Submit(limitOrder("b", Sell, "1", "61000", 1))
	book.Submit(limitOrder("c", Buy, "2", "60500", 1))
	book.Submit(limitOrder("d", Sell, "0.5", "60200", 1))

	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	require.True(t, hasBid)
	require.True(t, hasAsk)
	assert.True(t, bid.LessThan(ask), "book rested crossed: bid %s ask %s", bid, ask)
}
