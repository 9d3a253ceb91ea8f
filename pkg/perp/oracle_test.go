package perp

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceOracle(t *testing.T) {
	start := d("60000")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("scripted update", func(t *testing.T) {
		o := NewPriceOracle(start, 1, testLogger())
		require.NoError(t, o.UpdatePrice(d("61000"), now))
		assert.True(t, o.Price().Equal(d("61000")))

		err := o.UpdatePrice(decimal.Zero, now)
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})

	t.Run("same seed walks the same path", func(t *testing.T) {
		a := NewPriceOracle(start, 7, testLogger())
		b := NewPriceOracle(start, 7, testLogger())
		for i := 0; i < 20; i++ {
			at := now.Add(time.Duration(i) * time.Hour)
			assert.True(t, a.SimulateStep(at).Equal(b.SimulateStep(at)))
		}
	})

	t.Run("prices stay inside the band", func(t *testing.T) {
		o := NewPriceOracle(start, 3, testLogger())
		for i := 0; i < 500; i++ {
			p := o.SimulateStep(now.Add(time.Duration(i) * time.Hour))
			assert.True(t, p.GreaterThanOrEqual(d("1000")))
			assert.True(t, p.LessThanOrEqual(d("200000")))
		}
	})

	t.Run("spike and crash", func(t *testing.T) {
		o := NewPriceOracle(start, 1, testLogger())
		up := o.Spike(d("0.1"), now)
		assert.True(t, up.Equal(d("66000")))
		down := o.Crash(d("0.5"), now)
		assert.True(t, down.Equal(d("33000")))
	})

	t.Run("crash clamps at the floor", func(t *testing.T) {
		o := NewPriceOracle(d("1500"), 1, testLogger())
		down := o.Crash(d("0.9"), now)
		assert.True(t, down.Equal(d("1000")))
	})

	t.Run("market data mirrors mark as index", func(t *testing.T) {
		o := NewPriceOracle(start, 1, testLogger())
		md := o.MarketData(d("0.001"))
		assert.Equal(t, DefaultSymbol, md.Symbol)
		assert.True(t, md.MarkPrice.Equal(start))
		assert.True(t, md.IndexPrice.Equal(start))
		assert.True(t, md.FundingRate.Equal(d("0.001")))
	})

	t.Run("history and statistics", func(t *testing.T) {
		o := NewPriceOracle(start, 1, testLogger())
		require.NoError(t, o.UpdatePrice(d("66000"), now))
		require.NoError(t, o.UpdatePrice(d("54000"), now.Add(time.Hour)))

		history := o.History(0)
		require.Len(t, history, 3)

		recent := o.History(2)
		require.Len(t, recent, 2)
		assert.True(t, recent[1].Price.Equal(d("54000")))

		stats := o.Statistics()
		assert.Equal(t, 3, stats.Samples)
		assert.True(t, stats.First.Equal(start))
		assert.True(t, stats.Last.Equal(d("54000")))
		assert.True(t, stats.Max.Equal(d("66000")))
		assert.True(t, stats.Min.Equal(d("54000")))
		assert.True(t, stats.Change.Equal(d("-10")))
	})
}
