package perp

import (
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// FundingEvent records one applied funding interval.
type FundingEvent struct {
	Timestamp  time.Time                  `json:"timestamp"`
	Rate       decimal.Decimal            `json:"rate"`
	MarkPrice  decimal.Decimal            `json:"mark_price"`
	IndexPrice decimal.Decimal            `json:"index_price"`
	Payments   map[string]decimal.Decimal `json:"payments"`
	TotalPaid  decimal.Decimal            `json:"total_paid"`
}

// FundingOutcome is the result of one Apply call.
type FundingOutcome struct {
	Applied  bool
	Rate     decimal.Decimal
	Payments map[string]decimal.Decimal
}

// FundingStatistics summarizes funding activity since start.
type FundingStatistics struct {
	EventCount  int             `json:"event_count"`
	TotalPaid   decimal.Decimal `json:"total_paid"`
	AverageRate decimal.Decimal `json:"average_rate"`
	MaxRate     decimal.Decimal `json:"max_rate"`
	MinRate     decimal.Decimal `json:"min_rate"`
}

// FundingManager computes the funding rate from the mark/index gap
// and settles it through the position manager every funding interval.
type FundingManager struct {
	mu sync.Mutex

	positions *PositionManager
	metrics   *Metrics
	logger    log.Logger

	lastApplied time.Time
	history     []FundingEvent
}

// NewFundingManager creates a manager whose first Apply is due
// immediately. metrics may be nil.
func NewFundingManager(positions *PositionManager, metrics *Metrics, logger log.Logger) *FundingManager {
	if logger == nil {
		logger = log.Root().New("module", "funding")
	}
	return &FundingManager{
		positions: positions,
		metrics:   metrics,
		logger:    logger,
	}
}

// CalculateRate derives the funding rate from the mark/index premium:
// (mark - index) / index, damped by 1/8 and clamped to [-1%, +1%].
// A zero index price yields a zero rate.
func (fm *FundingManager) CalculateRate(mark, index decimal.Decimal) decimal.Decimal {
	if index.IsZero() {
		return decimal.Zero
	}
	rate := mark.Sub(index).Div(index).Mul(fundingRateFactor)
	if rate.GreaterThan(maxFundingRate) {
		return maxFundingRate
	}
	if rate.LessThan(minFundingRate) {
		return minFundingRate
	}
	return rate
}

// Due reports whether a funding interval has elapsed since the last
// application. The very first interval is always due.
func (fm *FundingManager) Due(now time.Time) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.dueLocked(now)
}

func (fm *FundingManager) dueLocked(now time.Time) bool {
	if fm.lastApplied.IsZero() {
		return true
	}
	return now.Sub(fm.lastApplied) >= FundingInterval
}

// Apply settles funding if an interval is due. When not due it returns
// an outcome with Applied false and changes nothing.
func (fm *FundingManager) Apply(md MarketData, now time.Time) FundingOutcome {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if !fm.dueLocked(now) {
		return FundingOutcome{}
	}

	rate := fm.CalculateRate(md.MarkPrice, md.IndexPrice)
	payments := fm.positions.SettleFunding(rate, md.MarkPrice)

	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p)
	}

	fm.history = append(fm.history, FundingEvent{
		Timestamp:  now,
		Rate:       rate,
		MarkPrice:  md.MarkPrice,
		IndexPrice: md.IndexPrice,
		Payments:   payments,
		TotalPaid:  total,
	})
	fm.lastApplied = now
	fm.metrics.FundingApplied()

	fm.logger.Info("funding applied",
		"rate", rate.String(), "positions", len(payments), "total", total.String())

	return FundingOutcome{Applied: true, Rate: rate, Payments: payments}
}

// History returns up to limit most recent events, oldest first.
// limit <= 0 returns everything.
func (fm *FundingManager) History(limit int) []FundingEvent {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if limit <= 0 || limit >= len(fm.history) {
		out := make([]FundingEvent, len(fm.history))
		copy(out, fm.history)
		return out
	}
	out := make([]FundingEvent, limit)
	copy(out, fm.history[len(fm.history)-limit:])
	return out
}

// Statistics aggregates the funding history.
func (fm *FundingManager) Statistics() FundingStatistics {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	stats := FundingStatistics{EventCount: len(fm.history)}
	if len(fm.history) == 0 {
		return stats
	}

	sum := decimal.Zero
	stats.MaxRate = fm.history[0].Rate
	stats.MinRate = fm.history[0].Rate
	for _, ev := range fm.history {
		stats.TotalPaid = stats.TotalPaid.Add(ev.TotalPaid)
		sum = sum.Add(ev.Rate)
		if ev.Rate.GreaterThan(stats.MaxRate) {
			stats.MaxRate = ev.Rate
		}
		if ev.Rate.LessThan(stats.MinRate) {
			stats.MinRate = ev.Rate
		}
	}
	stats.AverageRate = sum.Div(decimal.NewFromInt(int64(len(fm.history))))
	return stats
}

// Impact projects the payment the user's current position would make
// at the given market snapshot, without applying anything.
func (fm *FundingManager) Impact(userID string, md MarketData) (decimal.Decimal, error) {
	u, err := fm.positions.GetUser(userID)
	if err != nil {
		return decimal.Zero, err
	}
	pos := u.Position
	if pos == nil {
		return decimal.Zero, nil
	}
	rate := fm.CalculateRate(md.MarkPrice, md.IndexPrice)
	payment := pos.Value(md.MarkPrice).Mul(rate)
	if pos.Side == Short {
		payment = payment.Neg()
	}
	return payment, nil
}
