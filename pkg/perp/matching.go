package perp

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// OrderResult is what PlaceOrder returns: the accepted order and the
// trades it produced, if any.
type OrderResult struct {
	Order  *Order
	Trades []Trade
}

// TradeRecord pairs a trade with the users on each side, for history
// and reporting.
type TradeRecord struct {
	Trade      Trade
	BuyUserID  string
	SellUserID string
}

// ExecutionStatistics aggregates matching activity since start.
type ExecutionStatistics struct {
	OrdersPlaced   int             `json:"orders_placed"`
	OrdersRejected int             `json:"orders_rejected"`
	OrdersFilled   int             `json:"orders_filled"`
	TradesExecuted int             `json:"trades_executed"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	TotalNotional  decimal.Decimal `json:"total_notional"`
}

// Quote is a best-price snapshot of the book.
type Quote struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Spread  decimal.Decimal
	HasBid  bool
	HasAsk  bool
}

// MatchingEngine is the entry point for order flow. It validates
// orders, checks margin with the position manager, submits to the
// book and settles resulting trades into positions.
type MatchingEngine struct {
	mu sync.RWMutex

	book      *OrderBook
	positions *PositionManager
	metrics   *Metrics
	logger    log.Logger

	trades []TradeRecord
	stats  ExecutionStatistics
}

// NewMatchingEngine wires the book and the position manager together.
// metrics may be nil.
func NewMatchingEngine(positions *PositionManager, metrics *Metrics, logger log.Logger) *MatchingEngine {
	if logger == nil {
		logger = log.Root().New("module", "matching")
	}
	return &MatchingEngine{
		book:      NewOrderBook(),
		positions: positions,
		metrics:   metrics,
		logger:    logger,
	}
}

// Book exposes the underlying order book for read-only queries.
func (me *MatchingEngine) Book() *OrderBook {
	return me.book
}

func (me *MatchingEngine) validate(o *Order) error {
	if !o.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if !o.Price.IsPositive() {
		return ErrInvalidPrice
	}
	if o.Leverage < MinLeverage || o.Leverage > MaxLeverage {
		return ErrInvalidLeverage
	}
	if o.Side != Buy && o.Side != Sell {
		return ErrInvalidSide
	}
	if o.Type != Limit && o.Type != Market {
		return ErrInvalidOrderType
	}
	return nil
}

// PlaceOrder validates and executes a limit order. On any rejection no
// state changes; on success the order is in the book (or filled) and
// every trade has been applied to both parties' positions.
func (me *MatchingEngine) PlaceOrder(o *Order) (*OrderResult, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.placeLocked(o)
}

func (me *MatchingEngine) placeLocked(o *Order) (*OrderResult, error) {
	if err := me.validate(o); err != nil {
		me.stats.OrdersRejected++
		me.metrics.OrderRejected()
		return nil, err
	}

	ok, err := me.positions.CanAfford(o.UserID, o.Side, o.Quantity, o.Price, o.Leverage, me.restingMargin(o.UserID))
	if err != nil {
		me.stats.OrdersRejected++
		me.metrics.OrderRejected()
		return nil, err
	}
	if !ok {
		me.stats.OrdersRejected++
		me.metrics.OrderRejected()
		return nil, ErrInsufficientMargin
	}

	trades := me.book.Submit(o)
	me.stats.OrdersPlaced++
	me.metrics.OrderPlaced()

	for _, trade := range trades {
		buyOrder, _ := me.book.Order(trade.BuyOrderID)
		sellOrder, _ := me.book.Order(trade.SellOrderID)
		if err := me.positions.ApplyTrade(trade, buyOrder, sellOrder); err != nil {
			// The book has already matched; settlement errors are
			// logged and the remaining trades still settle.
			me.logger.Error("trade settlement failed",
				"trade", trade.ID.String(), "error", err)
			continue
		}
		me.trades = append(me.trades, TradeRecord{
			Trade:      trade,
			BuyUserID:  buyOrder.UserID,
			SellUserID: sellOrder.UserID,
		})
		me.stats.TradesExecuted++
		me.stats.TotalVolume = me.stats.TotalVolume.Add(trade.Quantity)
		me.stats.TotalNotional = me.stats.TotalNotional.Add(trade.Quantity.Mul(trade.Price))
		me.metrics.TradeExecuted(trade.Quantity)
	}
	if o.Status == Filled {
		me.stats.OrdersFilled++
	}

	me.logger.Debug("order placed",
		"order", o.ID.String(), "user", o.UserID, "side", o.Side.String(),
		"qty", o.Quantity.String(), "price", o.Price.String(),
		"status", string(o.Status), "trades", len(trades))

	return &OrderResult{Order: o, Trades: trades}, nil
}

// restingMargin sums the margin the user's resting orders will lock
// when they fill, so stacked orders cannot each claim the same free
// collateral. Orders that would reduce the current position reserve
// nothing.
func (me *MatchingEngine) restingMargin(userID string) decimal.Decimal {
	var posSide PositionSide
	hasPos := false
	if u, err := me.positions.GetUser(userID); err == nil && u.Position != nil {
		posSide = u.Position.Side
		hasPos = true
	}

	me.book.mu.RLock()
	defer me.book.mu.RUnlock()

	total := decimal.Zero
	for _, o := range me.book.orders {
		if o.UserID != userID {
			continue
		}
		if o.Status != Open && o.Status != PartiallyFilled {
			continue
		}
		if hasPos && ((posSide == Long && o.Side == Sell) || (posSide == Short && o.Side == Buy)) {
			continue
		}
		total = total.Add(requiredMargin(o.Remaining(), o.Price, o.Leverage))
	}
	return total
}

// PlaceMarketOrder executes against the touch: a buy takes the best
// ask, a sell the best bid. With no liquidity on the opposite side it
// fails with ErrNoLiquidity and no state changes.
func (me *MatchingEngine) PlaceMarketOrder(userID string, side Side, qty decimal.Decimal, leverage int) (*OrderResult, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	var price decimal.Decimal
	var ok bool
	if side == Buy {
		price, ok = me.book.BestAsk()
	} else {
		price, ok = me.book.BestBid()
	}
	if !ok {
		return nil, ErrNoLiquidity
	}

	o := &Order{
		ID:        uuid.New(),
		UserID:    userID,
		Side:      side,
		Type:      Market,
		Quantity:  qty,
		Price:     price,
		Leverage:  leverage,
		Timestamp: time.Now(),
	}
	return me.placeLocked(o)
}

// CancelOrder removes a resting order, enforcing ownership and state.
func (me *MatchingEngine) CancelOrder(orderID uuid.UUID, userID string) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	if err := me.book.Cancel(orderID, userID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	me.logger.Debug("order cancelled", "order", orderID.String(), "user", userID)
	return nil
}

// OrderStatus returns the current status of any known order.
func (me *MatchingEngine) OrderStatus(orderID uuid.UUID) (OrderStatus, error) {
	o, ok := me.book.Order(orderID)
	if !ok {
		return "", ErrOrderNotFound
	}
	return o.Status, nil
}

// UserOrders returns every order the user has submitted, resting or
// not. Ordering is unspecified; callers sort if needed.
func (me *MatchingEngine) UserOrders(userID string) []*Order {
	me.book.mu.RLock()
	defer me.book.mu.RUnlock()
	var out []*Order
	for _, o := range me.book.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out
}

// TradeHistory returns up to limit most recent trades, oldest first.
// limit <= 0 returns everything.
func (me *MatchingEngine) TradeHistory(limit int) []TradeRecord {
	me.mu.RLock()
	defer me.mu.RUnlock()

	if limit <= 0 || limit >= len(me.trades) {
		out := make([]TradeRecord, len(me.trades))
		copy(out, me.trades)
		return out
	}
	out := make([]TradeRecord, limit)
	copy(out, me.trades[len(me.trades)-limit:])
	return out
}

// Quote snapshots the best prices and spread.
func (me *MatchingEngine) Quote() Quote {
	var q Quote
	q.BestBid, q.HasBid = me.book.BestBid()
	q.BestAsk, q.HasAsk = me.book.BestAsk()
	if q.HasBid && q.HasAsk {
		q.Spread = q.BestAsk.Sub(q.BestBid)
	}
	return q
}

// Depth proxies the book's aggregated depth snapshot.
func (me *MatchingEngine) Depth(levels int) BookDepth {
	return me.book.Depth(levels)
}

// Statistics returns a copy of the running execution counters.
func (me *MatchingEngine) Statistics() ExecutionStatistics {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.stats
}
