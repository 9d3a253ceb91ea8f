package sim

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perpsim/pkg/perp"
)

// HourSummary captures the state at the end of one simulated hour.
type HourSummary struct {
	Hour         int                        `json:"hour"`
	MarkPrice    decimal.Decimal            `json:"mark_price"`
	FundingRate  decimal.Decimal            `json:"funding_rate"`
	Liquidations []perp.LiquidationRecord   `json:"liquidations,omitempty"`
	Users        []perp.UserSummary         `json:"users"`
	Funding      map[string]decimal.Decimal `json:"funding_payments,omitempty"`
}

// Report is the final output of a simulation run.
type Report struct {
	Hours        int                        `json:"hours"`
	Seed         int64                      `json:"seed"`
	Execution    perp.ExecutionStatistics   `json:"execution"`
	Funding      perp.FundingStatistics     `json:"funding"`
	Liquidations perp.LiquidationStatistics `json:"liquidations"`
	Prices       perp.PriceStatistics       `json:"prices"`
	FinalUsers   []perp.UserSummary         `json:"final_users"`
	Hourly       []HourSummary              `json:"hourly"`
}

// Simulator drives the exchange core hour by hour. Each hour runs a
// fixed sequence: scripted events, a price step, mark-to-market,
// liquidation scan, then funding on every eighth hour.
type Simulator struct {
	cfg    Config
	logger log.Logger

	positions   *perp.PositionManager
	engine      *perp.MatchingEngine
	funding     *perp.FundingManager
	liquidation *perp.LiquidationEngine
	oracle      *perp.PriceOracle
	metrics     *perp.Metrics

	clock time.Time
	rng   *rand.Rand
}

// New builds a simulator from a validated scenario.
func New(cfg Config, logger log.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Root().New("module", "sim")
	}

	metrics := perp.NewMetrics("perpsim")
	positions := perp.NewPositionManager(logger.New("module", "positions"))
	engine := perp.NewMatchingEngine(positions, metrics, logger.New("module", "matching"))
	funding := perp.NewFundingManager(positions, metrics, logger.New("module", "funding"))
	liquidation := perp.NewLiquidationEngine(positions, metrics, logger.New("module", "liquidation"))
	oracle := perp.NewPriceOracle(cfg.StartingPrice, cfg.Seed, logger.New("module", "oracle"))

	s := &Simulator{
		cfg:         cfg,
		logger:      logger,
		positions:   positions,
		engine:      engine,
		funding:     funding,
		liquidation: liquidation,
		oracle:      oracle,
		metrics:     metrics,
		clock:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		rng:         rand.New(rand.NewSource(cfg.Seed + 1)),
	}

	for _, u := range cfg.Users {
		if err := positions.AddUser(u.ID, u.Collateral); err != nil {
			return nil, fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	return s, nil
}

// Engine exposes the matching engine, mainly for tests and tooling.
func (s *Simulator) Engine() *perp.MatchingEngine { return s.engine }

// Run executes the whole scenario and returns the final report.
func (s *Simulator) Run() (*Report, error) {
	report := &Report{
		Hours: s.cfg.Hours,
		Seed:  s.cfg.Seed,
	}

	for hour := 0; hour < s.cfg.Hours; hour++ {
		summary, err := s.step(hour)
		if err != nil {
			return nil, fmt.Errorf("hour %d: %w", hour, err)
		}
		report.Hourly = append(report.Hourly, summary)
	}

	report.Execution = s.engine.Statistics()
	report.Funding = s.funding.Statistics()
	report.Liquidations = s.liquidation.Statistics()
	report.Prices = s.oracle.Statistics()
	report.FinalUsers = s.positions.AllUserSummaries()

	s.logger.Info("simulation finished",
		"hours", s.cfg.Hours,
		"trades", report.Execution.TradesExecuted,
		"liquidations", report.Liquidations.Count,
		"final_price", report.Prices.Last.String())
	return report, nil
}

func (s *Simulator) step(hour int) (HourSummary, error) {
	now := s.clock.Add(time.Duration(hour) * time.Hour)

	scriptedPrice := false
	for _, ev := range s.cfg.Events {
		if ev.Hour != hour {
			continue
		}
		priced, err := s.runEvent(ev, now)
		if err != nil {
			// Scenario events that fail validation or margin checks are
			// logged and the run continues, matching live order flow.
			s.logger.Warn("event rejected", "hour", hour, "type", string(ev.Type), "error", err)
			continue
		}
		scriptedPrice = scriptedPrice || priced
	}

	if !scriptedPrice {
		s.oracle.SimulateStep(now)
	}

	rate := s.funding.CalculateRate(s.oracle.Price(), s.oracle.Price())
	md := s.oracle.MarketData(rate)
	md.Timestamp = now
	s.positions.UpdateMarketData(md)

	summary := HourSummary{
		Hour:        hour,
		MarkPrice:   md.MarkPrice,
		FundingRate: md.FundingRate,
	}

	summary.Liquidations = s.liquidation.Check(md)

	if hour > 0 && hour%8 == 0 {
		outcome := s.funding.Apply(md, now)
		if outcome.Applied {
			summary.Funding = outcome.Payments
			summary.FundingRate = outcome.Rate
		}
	}

	summary.Users = s.positions.AllUserSummaries()
	return summary, nil
}

// runEvent executes one scripted event and reports whether it moved
// the price.
func (s *Simulator) runEvent(ev Event, now time.Time) (bool, error) {
	switch ev.Type {
	case EventPlaceOrder:
		side := perp.Buy
		if ev.Side == "sell" {
			side = perp.Sell
		}
		leverage := ev.Leverage
		if leverage == 0 {
			leverage = perp.MinLeverage
		}
		_, err := s.engine.PlaceOrder(&perp.Order{
			UserID:    ev.UserID,
			Side:      side,
			Type:      perp.Limit,
			Quantity:  ev.Quantity,
			Price:     ev.Price,
			Leverage:  leverage,
			Timestamp: now,
		})
		return false, err

	case EventRandomOrder:
		return false, s.randomOrder(now)

	case EventPriceUpdate:
		return true, s.oracle.UpdatePrice(ev.NewPrice, now)

	case EventPriceSpike:
		s.oracle.Spike(ev.Percent, now)
		return true, nil

	case EventPriceCrash:
		s.oracle.Crash(ev.Percent, now)
		return true, nil
	}
	return false, fmt.Errorf("unknown event type %q", ev.Type)
}

// randomOrder places a small order near the current price for a
// randomly picked user. The simulator's seeded source keeps runs
// reproducible.
func (s *Simulator) randomOrder(now time.Time) error {
	users := s.positions.Users()
	if len(users) == 0 {
		return nil
	}

	price := s.oracle.Price()
	// Offset the limit by up to +-0.5% of the mark.
	offsetBps := decimal.NewFromInt(int64(s.rng.Intn(101)) - 50)
	limit := price.Add(price.Mul(offsetBps).Div(decimal.NewFromInt(10000)))

	u := users[s.rng.Intn(len(users))]
	side := perp.Buy
	if s.rng.Intn(2) == 1 {
		side = perp.Sell
	}

	_, err := s.engine.PlaceOrder(&perp.Order{
		UserID:    u.ID,
		Side:      side,
		Type:      perp.Limit,
		Quantity:  decimal.NewFromFloat(0.1),
		Price:     limit,
		Leverage:  2,
		Timestamp: now,
	})
	return err
}

// WriteReport writes the report as indented JSON, to stdout when path
// is "-" or empty.
func WriteReport(report *Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
