package perp

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultSymbol is the single market this simulation core trades.
// The book, positions, funding and liquidation all refer to it.
const DefaultSymbol = "BTC/USD"

// Side is the taker-visible side of an order.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// PositionSide is the direction of an open position.
type PositionSide int

const (
	Long PositionSide = iota
	Short
)

func (s PositionSide) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// OrderType distinguishes resting limit orders from market orders.
// Market orders are executed as limit orders priced at the touch.
type OrderType int

const (
	Limit OrderType = iota
	Market
)

func (t OrderType) String() string {
	if t == Limit {
		return "limit"
	}
	return "market"
}

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	Open            OrderStatus = "open"
	PartiallyFilled OrderStatus = "partially_filled"
	Filled          OrderStatus = "filled"
	Cancelled       OrderStatus = "cancelled"
)

// Order is a leveraged limit or market order. Once submitted the order
// book owns it; only the matching loop and Cancel mutate it.
type Order struct {
	ID        uuid.UUID
	UserID    string
	Side      Side
	Type      OrderType
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Leverage  int
	Filled    decimal.Decimal
	Status    OrderStatus
	Timestamp time.Time
}

// Remaining returns the unfilled quantity. Never negative.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// IsFilled reports whether the order has no remaining quantity.
func (o *Order) IsFilled() bool {
	return o.Filled.GreaterThanOrEqual(o.Quantity)
}

// Trade is an immutable record of a single matching event. The price is
// always the resting (maker) order's price.
type Trade struct {
	ID          uuid.UUID
	BuyOrderID  uuid.UUID
	SellOrderID uuid.UUID
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Timestamp   time.Time
}

// User holds free collateral and cumulative realized PNL. A user has at
// most one open position in the single simulated symbol. All mutation
// goes through the PositionManager.
type User struct {
	ID          string
	Collateral  decimal.Decimal
	RealizedPnL decimal.Decimal
	Position    *Position
}

// Position is an open leveraged position. Collateral here is margin
// posted out of the user's free collateral; it returns on close.
type Position struct {
	UserID        string
	Symbol        string
	Side          PositionSide
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	Leverage      int
	Collateral    decimal.Decimal
	FundingPaid   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	OpenTime      time.Time
}

// Value returns the notional position value at the given mark price.
func (p *Position) Value(mark decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(mark)
}

// Equity is posted collateral plus unrealized PNL as last computed.
func (p *Position) Equity() decimal.Decimal {
	return p.Collateral.Add(p.UnrealizedPnL)
}

// MaintenanceMargin is the minimum equity required to keep the position
// open at the given mark price.
func (p *Position) MaintenanceMargin(mark decimal.Decimal) decimal.Decimal {
	return p.Value(mark).Mul(maintenanceMarginRate)
}

// MarginRatio returns equity over maintenance margin. ok is false when
// the maintenance margin is zero and the ratio is undefined.
func (p *Position) MarginRatio(mark decimal.Decimal) (decimal.Decimal, bool) {
	mm := p.MaintenanceMargin(mark)
	if mm.IsZero() {
		return decimal.Zero, false
	}
	return p.Equity().Div(mm), true
}

// IsLiquidatable reports whether equity has fallen below the
// maintenance margin at the given mark price.
func (p *Position) IsLiquidatable(mark decimal.Decimal) bool {
	return p.Equity().LessThan(p.MaintenanceMargin(mark))
}

// unrealizedPnL computes mark-to-market PNL for the position.
func (p *Position) unrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Side == Long {
		return mark.Sub(p.EntryPrice).Mul(p.Quantity)
	}
	return p.EntryPrice.Sub(mark).Mul(p.Quantity)
}

// MarketData is the shared market snapshot pushed in by the driver.
// The core treats it as read-only input for each recomputation pass.
type MarketData struct {
	Symbol      string
	MarkPrice   decimal.Decimal
	IndexPrice  decimal.Decimal
	FundingRate decimal.Decimal
	Timestamp   time.Time
}

// Risk parameters shared by the position manager, the liquidation
// engine and the funding manager.
var (
	maintenanceMarginRate = decimal.NewFromFloat(0.05)
	liquidationFeeRate    = decimal.NewFromFloat(0.01)
	fundingRateFactor     = decimal.NewFromFloat(0.125)
	maxFundingRate        = decimal.NewFromFloat(0.01)
	minFundingRate        = decimal.NewFromFloat(-0.01)
)

const (
	// MinLeverage and MaxLeverage bound order leverage.
	MinLeverage = 1
	MaxLeverage = 10

	// FundingInterval is how often funding settles, in simulated time.
	FundingInterval = 8 * time.Hour
)

// requiredMargin is the collateral a fill locks up: qty * price / leverage.
func requiredMargin(qty, price decimal.Decimal, leverage int) decimal.Decimal {
	return qty.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
}
