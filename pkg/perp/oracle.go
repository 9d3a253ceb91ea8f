package perp

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// Price bounds for the synthetic feed. Steps and shocks clamp to this
// band so a long simulation cannot run the price to zero or infinity.
var (
	minOraclePrice = decimal.NewFromInt(1000)
	maxOraclePrice = decimal.NewFromInt(200000)
)

// PricePoint is one sample of the synthetic feed.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceStatistics summarizes the feed history.
type PriceStatistics struct {
	Samples int             `json:"samples"`
	First   decimal.Decimal `json:"first"`
	Last    decimal.Decimal `json:"last"`
	Min     decimal.Decimal `json:"min"`
	Max     decimal.Decimal `json:"max"`
	Change  decimal.Decimal `json:"change_pct"`
}

// PriceOracle produces the mark price for the simulation. Prices come
// either from scripted updates or from a seeded geometric Brownian
// step, so runs with the same seed and scenario are reproducible. The
// index price tracks the mark in this simplified single-feed setup.
type PriceOracle struct {
	mu sync.RWMutex

	price   decimal.Decimal
	history []PricePoint
	rng     *rand.Rand
	logger  log.Logger

	drift      float64
	volatility float64
}

// NewPriceOracle creates an oracle at the starting price with a seeded
// random source.
func NewPriceOracle(start decimal.Decimal, seed int64, logger log.Logger) *PriceOracle {
	if logger == nil {
		logger = log.Root().New("module", "oracle")
	}
	o := &PriceOracle{
		price:      start,
		rng:        rand.New(rand.NewSource(seed)),
		logger:     logger,
		drift:      0.0001,
		volatility: 0.02,
	}
	o.record(start, time.Now())
	return o
}

// Price returns the current mark price.
func (o *PriceOracle) Price() decimal.Decimal {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.price
}

// MarketData builds a snapshot at the current price. Index equals mark.
func (o *PriceOracle) MarketData(fundingRate decimal.Decimal) MarketData {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return MarketData{
		Symbol:      DefaultSymbol,
		MarkPrice:   o.price,
		IndexPrice:  o.price,
		FundingRate: fundingRate,
		Timestamp:   time.Now(),
	}
}

// UpdatePrice sets the price to an explicit scripted value.
func (o *PriceOracle) UpdatePrice(price decimal.Decimal, at time.Time) error {
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.price = clampPrice(price)
	o.record(o.price, at)
	return nil
}

// SimulateStep advances the price by one geometric Brownian increment
// and returns the new price.
func (o *PriceOracle) SimulateStep(at time.Time) decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()

	current, _ := o.price.Float64()
	shock := o.rng.NormFloat64() * o.volatility
	next := current * math.Exp(o.drift-0.5*o.volatility*o.volatility+shock)

	o.price = clampPrice(decimal.NewFromFloat(next))
	o.record(o.price, at)
	return o.price
}

// Spike moves the price up by pct (0.10 = +10%).
func (o *PriceOracle) Spike(pct decimal.Decimal, at time.Time) decimal.Decimal {
	return o.shock(pct, at)
}

// Crash moves the price down by pct (0.10 = -10%).
func (o *PriceOracle) Crash(pct decimal.Decimal, at time.Time) decimal.Decimal {
	return o.shock(pct.Neg(), at)
}

func (o *PriceOracle) shock(pct decimal.Decimal, at time.Time) decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.price = clampPrice(o.price.Mul(decimal.NewFromInt(1).Add(pct)))
	o.record(o.price, at)
	o.logger.Info("price shock", "pct", pct.String(), "price", o.price.String())
	return o.price
}

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(minOraclePrice) {
		return minOraclePrice
	}
	if p.GreaterThan(maxOraclePrice) {
		return maxOraclePrice
	}
	return p
}

func (o *PriceOracle) record(price decimal.Decimal, at time.Time) {
	o.history = append(o.history, PricePoint{Price: price, Timestamp: at})
}

// History returns up to limit most recent samples, oldest first.
// limit <= 0 returns everything.
func (o *PriceOracle) History(limit int) []PricePoint {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if limit <= 0 || limit >= len(o.history) {
		out := make([]PricePoint, len(o.history))
		copy(out, o.history)
		return out
	}
	out := make([]PricePoint, limit)
	copy(out, o.history[len(o.history)-limit:])
	return out
}

// Statistics summarizes the price path so far.
func (o *PriceOracle) Statistics() PriceStatistics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := PriceStatistics{Samples: len(o.history)}
	if len(o.history) == 0 {
		return stats
	}

	stats.First = o.history[0].Price
	stats.Last = o.history[len(o.history)-1].Price
	stats.Min = stats.First
	stats.Max = stats.First
	for _, pt := range o.history {
		if pt.Price.LessThan(stats.Min) {
			stats.Min = pt.Price
		}
		if pt.Price.GreaterThan(stats.Max) {
			stats.Max = pt.Price
		}
	}
	if !stats.First.IsZero() {
		stats.Change = stats.Last.Sub(stats.First).Div(stats.First).Mul(decimal.NewFromInt(100))
	}
	return stats
}
