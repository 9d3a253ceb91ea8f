package perp

import (
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// RiskLevel buckets a position's margin ratio for reporting.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical" // margin ratio < 1.1
	RiskHigh     RiskLevel = "high"     // < 1.5
	RiskMedium   RiskLevel = "medium"   // < 2.0
	RiskLow      RiskLevel = "low"
)

var (
	riskCriticalBound = decimal.NewFromFloat(1.1)
	riskHighBound     = decimal.NewFromFloat(1.5)
	riskMediumBound   = decimal.NewFromFloat(2.0)
)

// LiquidationRecord is the audit entry for one forced close. Margin
// ratio and leverage are captured before the close.
type LiquidationRecord struct {
	UserID      string          `json:"user_id"`
	Side        string          `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	MarkPrice   decimal.Decimal `json:"mark_price"`
	Leverage    int             `json:"leverage"`
	MarginRatio decimal.Decimal `json:"margin_ratio"`
	Fee         decimal.Decimal `json:"fee"`
	// ReturnedCollateral is what the user got back after fee and PNL,
	// floored at zero.
	ReturnedCollateral decimal.Decimal `json:"returned_collateral"`
	Timestamp          time.Time       `json:"timestamp"`
}

// RiskReport describes the margin health of one user's position.
type RiskReport struct {
	UserID           string          `json:"user_id"`
	HasPosition      bool            `json:"has_position"`
	Level            RiskLevel       `json:"level"`
	MarginRatio      decimal.Decimal `json:"margin_ratio"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	HasLiqPrice      bool            `json:"has_liquidation_price"`
}

// LiquidationStatistics aggregates liquidation activity since start.
type LiquidationStatistics struct {
	Count         int             `json:"count"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
}

// LiquidationEngine scans for under-margined positions and force-closes
// them through the position manager.
type LiquidationEngine struct {
	mu sync.Mutex

	positions *PositionManager
	metrics   *Metrics
	logger    log.Logger

	history []LiquidationRecord
}

// NewLiquidationEngine creates an engine. metrics may be nil.
func NewLiquidationEngine(positions *PositionManager, metrics *Metrics, logger log.Logger) *LiquidationEngine {
	if logger == nil {
		logger = log.Root().New("module", "liquidation")
	}
	return &LiquidationEngine{
		positions: positions,
		metrics:   metrics,
		logger:    logger,
	}
}

// Check snapshots the liquidatable positions at the given market data
// and liquidates each one. Every candidate is re-verified just before
// its close, since an earlier liquidation in the same pass cannot
// change it but a stale snapshot could.
func (le *LiquidationEngine) Check(md MarketData) []LiquidationRecord {
	le.mu.Lock()
	defer le.mu.Unlock()

	var records []LiquidationRecord
	for _, pos := range le.positions.LiquidatablePositions(md) {
		rec, err := le.liquidateLocked(pos.UserID, md)
		if err != nil {
			le.logger.Warn("liquidation skipped", "user", pos.UserID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

// Liquidate force-closes one user's position if it is actually
// under-margined at the snapshot's mark price.
func (le *LiquidationEngine) Liquidate(userID string, md MarketData) (LiquidationRecord, error) {
	le.mu.Lock()
	defer le.mu.Unlock()
	return le.liquidateLocked(userID, md)
}

func (le *LiquidationEngine) liquidateLocked(userID string, md MarketData) (LiquidationRecord, error) {
	u, err := le.positions.GetUser(userID)
	if err != nil {
		return LiquidationRecord{}, err
	}
	pos := u.Position
	if pos == nil {
		return LiquidationRecord{}, ErrUserNotFound
	}

	mark := md.MarkPrice
	equity := pos.Collateral.Add(pos.unrealizedPnL(mark))
	maintenance := pos.MaintenanceMargin(mark)
	if equity.GreaterThanOrEqual(maintenance) {
		return LiquidationRecord{}, ErrNotLiquidatable
	}

	var ratio decimal.Decimal
	if !maintenance.IsZero() {
		ratio = equity.Div(maintenance)
	}
	rec := LiquidationRecord{
		UserID:      userID,
		Side:        pos.Side.String(),
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		MarkPrice:   mark,
		Leverage:    pos.Leverage,
		MarginRatio: ratio,
		Timestamp:   time.Now(),
	}

	fee, returned, err := le.positions.Liquidate(userID, mark)
	if err != nil {
		return LiquidationRecord{}, err
	}
	rec.Fee = fee
	rec.ReturnedCollateral = returned

	le.history = append(le.history, rec)
	le.metrics.PositionLiquidated()
	return rec, nil
}

// LiquidationPrice solves for the mark price at which equity equals
// maintenance margin. ok is false when the position has no finite
// liquidation price (the denominator vanishes).
func (le *LiquidationEngine) LiquidationPrice(pos *Position) (decimal.Decimal, bool) {
	// equity(P) = collateral + pnl(P); maintenance(P) = qty * P * rate.
	// LONG:  collateral + (P - entry) * qty = qty * P * rate
	// SHORT: collateral + (entry - P) * qty = qty * P * rate
	qty := pos.Quantity
	var denom decimal.Decimal
	var numer decimal.Decimal
	if pos.Side == Long {
		denom = qty.Mul(maintenanceMarginRate).Sub(qty)
		numer = pos.Collateral.Sub(pos.EntryPrice.Mul(qty))
	} else {
		denom = qty.Mul(maintenanceMarginRate).Add(qty)
		numer = pos.Collateral.Add(pos.EntryPrice.Mul(qty))
	}
	if denom.IsZero() {
		return decimal.Zero, false
	}
	price := numer.Div(denom)
	if price.IsNegative() {
		return decimal.Zero, false
	}
	return price, true
}

// Risk reports the margin health of one user at the snapshot.
func (le *LiquidationEngine) Risk(userID string, md MarketData) (RiskReport, error) {
	u, err := le.positions.GetUser(userID)
	if err != nil {
		return RiskReport{}, err
	}
	return le.riskFor(u, md), nil
}

// AllRisks reports margin health for every user, ordered by id.
func (le *LiquidationEngine) AllRisks(md MarketData) []RiskReport {
	users := le.positions.Users()
	out := make([]RiskReport, 0, len(users))
	for _, u := range users {
		out = append(out, le.riskFor(u, md))
	}
	return out
}

func (le *LiquidationEngine) riskFor(u *User, md MarketData) RiskReport {
	report := RiskReport{UserID: u.ID, Level: RiskLow}
	pos := u.Position
	if pos == nil {
		return report
	}
	report.HasPosition = true

	// Computed locally: risk reads must not write the stored PNL.
	equity := pos.Collateral.Add(pos.unrealizedPnL(md.MarkPrice))
	maintenance := pos.MaintenanceMargin(md.MarkPrice)
	if !maintenance.IsZero() {
		ratio := equity.Div(maintenance)
		report.MarginRatio = ratio
		switch {
		case ratio.LessThan(riskCriticalBound):
			report.Level = RiskCritical
		case ratio.LessThan(riskHighBound):
			report.Level = RiskHigh
		case ratio.LessThan(riskMediumBound):
			report.Level = RiskMedium
		}
	}
	report.LiquidationPrice, report.HasLiqPrice = le.LiquidationPrice(pos)
	return report
}

// OptimalPositionSize suggests a position size whose maintenance
// requirement keeps a riskTolerance buffer over the posted collateral.
// riskTolerance 2 means equity starts at twice maintenance margin.
// Leverage does not enter the bound: maintenance margin scales with
// position value, not leverage.
func (le *LiquidationEngine) OptimalPositionSize(collateral, entry decimal.Decimal, leverage int, riskTolerance decimal.Decimal) decimal.Decimal {
	if entry.IsZero() || riskTolerance.IsZero() {
		return decimal.Zero
	}
	return collateral.Div(maintenanceMarginRate.Mul(riskTolerance)).Div(entry)
}

// History returns up to limit most recent records, oldest first.
// limit <= 0 returns everything.
func (le *LiquidationEngine) History(limit int) []LiquidationRecord {
	le.mu.Lock()
	defer le.mu.Unlock()

	if limit <= 0 || limit >= len(le.history) {
		out := make([]LiquidationRecord, len(le.history))
		copy(out, le.history)
		return out
	}
	out := make([]LiquidationRecord, limit)
	copy(out, le.history[len(le.history)-limit:])
	return out
}

// Statistics aggregates the liquidation history.
func (le *LiquidationEngine) Statistics() LiquidationStatistics {
	le.mu.Lock()
	defer le.mu.Unlock()

	stats := LiquidationStatistics{Count: len(le.history)}
	for _, rec := range le.history {
		stats.TotalFees = stats.TotalFees.Add(rec.Fee)
		stats.TotalQuantity = stats.TotalQuantity.Add(rec.Quantity)
	}
	return stats
}
