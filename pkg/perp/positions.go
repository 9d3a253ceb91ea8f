package perp

import (
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// UserSummary is an accounting snapshot of one user for reports.
type UserSummary struct {
	UserID        string          `json:"user_id"`
	Collateral    decimal.Decimal `json:"collateral"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	TotalEquity   decimal.Decimal `json:"total_equity"`
	HasPosition   bool            `json:"has_position"`
	PositionSide  string          `json:"position_side,omitempty"`
	PositionSize  decimal.Decimal `json:"position_size,omitempty"`
	EntryPrice    decimal.Decimal `json:"entry_price,omitempty"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl,omitempty"`
	FundingPaid   decimal.Decimal `json:"funding_paid,omitempty"`
}

// PositionManager owns every User and Position record. All collateral
// movement, position lifecycle and mark-to-market recomputation happens
// through its methods; other components never touch the records
// directly.
type PositionManager struct {
	mu sync.RWMutex

	users      map[string]*User
	marketData *MarketData
	logger     log.Logger
}

// NewPositionManager creates an empty manager.
func NewPositionManager(logger log.Logger) *PositionManager {
	if logger == nil {
		logger = log.Root().New("module", "positions")
	}
	return &PositionManager{
		users:  make(map[string]*User),
		logger: logger,
	}
}

// AddUser registers a user with starting free collateral.
func (pm *PositionManager) AddUser(userID string, collateral decimal.Decimal) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.users[userID]; ok {
		return ErrUserExists
	}
	pm.users[userID] = &User{
		ID:         userID,
		Collateral: collateral,
	}
	pm.logger.Info("user added", "user", userID, "collateral", collateral.String())
	return nil
}

// GetUser returns the user record.
func (pm *PositionManager) GetUser(userID string) (*User, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	u, ok := pm.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// Users returns all users ordered by id so iteration is deterministic.
func (pm *PositionManager) Users() []*User {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.usersLocked()
}

func (pm *PositionManager) usersLocked() []*User {
	out := make([]*User, 0, len(pm.users))
	for _, u := range pm.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarketData returns the last snapshot pushed in, nil before the first.
func (pm *PositionManager) MarketData() *MarketData {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.marketData
}

// UpdateMarketData stores the snapshot and recomputes unrealized PNL
// for every open position against the new mark price.
func (pm *PositionManager) UpdateMarketData(md MarketData) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.marketData = &md
	for _, u := range pm.users {
		if u.Position != nil {
			u.Position.UnrealizedPnL = u.Position.unrealizedPnL(md.MarkPrice)
		}
	}
}

// CanAfford reports whether the user's free collateral, less margin
// already reserved for other resting orders, covers the margin a fill
// of qty at price with the given leverage would lock. An opposite-side
// fill that only reduces an existing position needs no new margin.
func (pm *PositionManager) CanAfford(userID string, side Side, qty, price decimal.Decimal, leverage int, reserved decimal.Decimal) (bool, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	u, ok := pm.users[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	if pos := u.Position; pos != nil && pm.reduces(pos, side) {
		// Reducing fills close at most the position size and never
		// flip, so they lock no new margin.
		return true, nil
	}
	free := u.Collateral.Sub(reserved)
	return free.GreaterThanOrEqual(requiredMargin(qty, price, leverage)), nil
}

// reduces reports whether a fill on side shrinks the position.
func (pm *PositionManager) reduces(pos *Position, side Side) bool {
	return (pos.Side == Long && side == Sell) || (pos.Side == Short && side == Buy)
}

// ApplyTrade settles one trade against both parties' positions. The
// buy and sell orders carry the leverage each side traded with. Both
// sides are checked before either is mutated: a trade either settles
// for buyer and seller together or not at all.
func (pm *PositionManager) ApplyTrade(trade Trade, buyOrder, sellOrder *Order) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if err := pm.checkFill(buyOrder.UserID, Buy, trade, buyOrder.Leverage); err != nil {
		return err
	}
	if err := pm.checkFill(sellOrder.UserID, Sell, trade, sellOrder.Leverage); err != nil {
		return err
	}
	if err := pm.applyFill(buyOrder.UserID, Buy, trade, buyOrder.Leverage); err != nil {
		return err
	}
	return pm.applyFill(sellOrder.UserID, Sell, trade, sellOrder.Leverage)
}

// checkFill verifies one side of a trade can settle, without mutating
// anything.
func (pm *PositionManager) checkFill(userID string, side Side, trade Trade, leverage int) error {
	u, ok := pm.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	pos := u.Position
	if pos != nil && pm.reduces(pos, side) {
		return nil
	}
	if pos != nil && leverage < pos.Leverage {
		leverage = pos.Leverage
	}
	if u.Collateral.LessThan(requiredMargin(trade.Quantity, trade.Price, leverage)) {
		return ErrInsufficientMargin
	}
	return nil
}

func (pm *PositionManager) applyFill(userID string, side Side, trade Trade, leverage int) error {
	u, ok := pm.users[userID]
	if !ok {
		return ErrUserNotFound
	}

	qty := trade.Quantity
	price := trade.Price

	if u.Position == nil {
		return pm.openPosition(u, side, qty, price, leverage)
	}
	if pm.reduces(u.Position, side) {
		pm.reducePosition(u, qty, price)
		return nil
	}
	return pm.increasePosition(u, qty, price, leverage)
}

func (pm *PositionManager) openPosition(u *User, side Side, qty, price decimal.Decimal, leverage int) error {
	margin := requiredMargin(qty, price, leverage)
	if u.Collateral.LessThan(margin) {
		return ErrInsufficientMargin
	}

	posSide := Long
	if side == Sell {
		posSide = Short
	}
	u.Collateral = u.Collateral.Sub(margin)
	u.Position = &Position{
		UserID:     u.ID,
		Symbol:     DefaultSymbol,
		Side:       posSide,
		Quantity:   qty,
		EntryPrice: price,
		Leverage:   leverage,
		Collateral: margin,
		OpenTime:   time.Now(),
	}
	pm.logger.Debug("position opened",
		"user", u.ID, "side", posSide.String(),
		"qty", qty.String(), "entry", price.String(), "margin", margin.String())
	return nil
}

// increasePosition adds to a same-side position: VWAP entry price,
// leverage becomes the higher of old and new, incremental margin moves
// from free collateral.
func (pm *PositionManager) increasePosition(u *User, qty, price decimal.Decimal, leverage int) error {
	pos := u.Position
	if leverage < pos.Leverage {
		leverage = pos.Leverage
	}
	margin := requiredMargin(qty, price, leverage)
	if u.Collateral.LessThan(margin) {
		return ErrInsufficientMargin
	}

	oldNotional := pos.Quantity.Mul(pos.EntryPrice)
	newNotional := qty.Mul(price)
	total := pos.Quantity.Add(qty)

	pos.EntryPrice = oldNotional.Add(newNotional).Div(total)
	pos.Quantity = total
	pos.Leverage = leverage
	pos.Collateral = pos.Collateral.Add(margin)
	u.Collateral = u.Collateral.Sub(margin)

	pm.logger.Debug("position increased",
		"user", u.ID, "qty", pos.Quantity.String(), "entry", pos.EntryPrice.String())
	return nil
}

// reducePosition closes part or all of the position at the trade
// price. A fill at or beyond the full size closes the position; the
// position never flips. Partial close returns collateral pro rata and
// leaves the entry price unchanged.
func (pm *PositionManager) reducePosition(u *User, qty, price decimal.Decimal) {
	pos := u.Position
	closeQty := decimal.Min(qty, pos.Quantity)

	var pnl decimal.Decimal
	if pos.Side == Long {
		pnl = price.Sub(pos.EntryPrice).Mul(closeQty)
	} else {
		pnl = pos.EntryPrice.Sub(price).Mul(closeQty)
	}

	if closeQty.Equal(pos.Quantity) {
		u.Collateral = u.Collateral.Add(pos.Collateral).Add(pnl)
		u.RealizedPnL = u.RealizedPnL.Add(pnl)
		u.Position = nil
		pm.logger.Debug("position closed", "user", u.ID, "pnl", pnl.String())
		return
	}

	fraction := closeQty.Div(pos.Quantity)
	returned := pos.Collateral.Mul(fraction)

	pos.Collateral = pos.Collateral.Sub(returned)
	pos.Quantity = pos.Quantity.Sub(closeQty)
	u.Collateral = u.Collateral.Add(returned).Add(pnl)
	u.RealizedPnL = u.RealizedPnL.Add(pnl)

	pm.logger.Debug("position reduced",
		"user", u.ID, "closed", closeQty.String(),
		"remaining", pos.Quantity.String(), "pnl", pnl.String())
}

// LiquidatablePositions returns the positions whose equity is below
// maintenance margin at the snapshot's mark price, ordered by user id.
func (pm *PositionManager) LiquidatablePositions(md MarketData) []*Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var out []*Position
	for _, u := range pm.usersLocked() {
		pos := u.Position
		if pos == nil {
			continue
		}
		// Computed locally: a read path must not write the stored PNL.
		equity := pos.Collateral.Add(pos.unrealizedPnL(md.MarkPrice))
		if equity.LessThan(pos.MaintenanceMargin(md.MarkPrice)) {
			out = append(out, pos)
		}
	}
	return out
}

// Liquidate force-closes the position at the mark price. The fee is
// value * 1%; the user gets back max(0, collateral + pnl - fee). It
// returns the fee charged and the residual collateral handed back.
func (pm *PositionManager) Liquidate(userID string, mark decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	u, ok := pm.users[userID]
	if !ok {
		return decimal.Zero, decimal.Zero, ErrUserNotFound
	}
	pos := u.Position
	if pos == nil {
		return decimal.Zero, decimal.Zero, ErrUserNotFound
	}

	pnl := pos.unrealizedPnL(mark)
	fee := pos.Value(mark).Mul(liquidationFeeRate)

	returned := pos.Collateral.Add(pnl).Sub(fee)
	if returned.IsNegative() {
		returned = decimal.Zero
	}
	u.Collateral = u.Collateral.Add(returned)
	u.RealizedPnL = u.RealizedPnL.Add(pnl)
	u.Position = nil

	pm.logger.Info("position liquidated",
		"user", userID, "mark", mark.String(),
		"pnl", pnl.String(), "fee", fee.String(), "returned", returned.String())
	return fee, returned, nil
}

// SettleFunding charges or credits every open position for one funding
// interval at the given rate and mark price. Longs pay value*rate,
// shorts pay value*(-rate); a negative payment is a credit. Returns
// the payment per user.
func (pm *PositionManager) SettleFunding(rate, mark decimal.Decimal) map[string]decimal.Decimal {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	payments := make(map[string]decimal.Decimal)
	for _, u := range pm.users {
		pos := u.Position
		if pos == nil {
			continue
		}
		payment := pos.Value(mark).Mul(rate)
		if pos.Side == Short {
			payment = payment.Neg()
		}
		u.Collateral = u.Collateral.Sub(payment)
		pos.FundingPaid = pos.FundingPaid.Add(payment)
		payments[u.ID] = payment
	}
	return payments
}

// UserSummary builds an accounting snapshot for one user. Equity adds
// unrealized PNL and posted collateral when a position is open.
func (pm *PositionManager) UserSummary(userID string) (UserSummary, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	u, ok := pm.users[userID]
	if !ok {
		return UserSummary{}, ErrUserNotFound
	}
	return pm.summaryLocked(u), nil
}

// AllUserSummaries returns summaries for every user, ordered by id.
func (pm *PositionManager) AllUserSummaries() []UserSummary {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	users := pm.usersLocked()
	out := make([]UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, pm.summaryLocked(u))
	}
	return out
}

func (pm *PositionManager) summaryLocked(u *User) UserSummary {
	s := UserSummary{
		UserID:      u.ID,
		Collateral:  u.Collateral,
		RealizedPnL: u.RealizedPnL,
		TotalEquity: u.Collateral,
	}
	if pos := u.Position; pos != nil {
		s.HasPosition = true
		s.PositionSide = pos.Side.String()
		s.PositionSize = pos.Quantity
		s.EntryPrice = pos.EntryPrice
		s.UnrealizedPnL = pos.UnrealizedPnL
		s.FundingPaid = pos.FundingPaid
		s.TotalEquity = s.TotalEquity.Add(pos.Collateral).Add(pos.UnrealizedPnL)
	}
	return s
}
