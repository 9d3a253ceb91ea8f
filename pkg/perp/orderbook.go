package perp

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceLevel holds the FIFO queue of resting orders at one price and
// the running sum of their remaining quantities. The sum is maintained
// incrementally on every fill, add and cancel.
type PriceLevel struct {
	Price         decimal.Decimal
	Orders        []*Order
	TotalQuantity decimal.Decimal
}

func (pl *PriceLevel) addOrder(o *Order) {
	pl.Orders = append(pl.Orders, o)
	pl.TotalQuantity = pl.TotalQuantity.Add(o.Remaining())
}

func (pl *PriceLevel) removeOrder(o *Order) {
	for i, resting := range pl.Orders {
		if resting.ID == o.ID {
			pl.Orders = append(pl.Orders[:i], pl.Orders[i+1:]...)
			pl.TotalQuantity = pl.TotalQuantity.Sub(o.Remaining())
			return
		}
	}
}

func (pl *PriceLevel) isEmpty() bool {
	return len(pl.Orders) == 0
}

// bookSide is one side of the book: a sorted price index plus a level
// per price. A sorted index keeps level existence and best-price lookup
// consistent without the stale-entry bookkeeping a heap needs.
type bookSide struct {
	bid    bool
	prices []decimal.Decimal // ascending
	levels map[string]*PriceLevel
}

func newBookSide(bid bool) *bookSide {
	return &bookSide{
		bid:    bid,
		levels: make(map[string]*PriceLevel),
	}
}

// search returns the insertion index for price in the ascending index
// and whether the price is already present.
func (s *bookSide) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(s.prices), func(i int) bool {
		return s.prices[i].Cmp(price) >= 0
	})
	return i, i < len(s.prices) && s.prices[i].Equal(price)
}

func (s *bookSide) getOrCreate(price decimal.Decimal) *PriceLevel {
	key := price.String()
	if level, ok := s.levels[key]; ok {
		return level
	}
	i, _ := s.search(price)
	s.prices = append(s.prices, decimal.Zero)
	copy(s.prices[i+1:], s.prices[i:])
	s.prices[i] = price

	level := &PriceLevel{Price: price}
	s.levels[key] = level
	return level
}

func (s *bookSide) removeLevel(price decimal.Decimal) {
	if i, ok := s.search(price); ok {
		s.prices = append(s.prices[:i], s.prices[i+1:]...)
	}
	delete(s.levels, price.String())
}

func (s *bookSide) level(price decimal.Decimal) *PriceLevel {
	return s.levels[price.String()]
}

// best returns the best price on this side: highest for bids, lowest
// for asks.
func (s *bookSide) best() (decimal.Decimal, bool) {
	if len(s.prices) == 0 {
		return decimal.Zero, false
	}
	if s.bid {
		return s.prices[len(s.prices)-1], true
	}
	return s.prices[0], true
}

// walk visits levels from best to worst until fn returns false.
func (s *bookSide) walk(fn func(*PriceLevel) bool) {
	if s.bid {
		for i := len(s.prices) - 1; i >= 0; i-- {
			if !fn(s.levels[s.prices[i].String()]) {
				return
			}
		}
		return
	}
	for _, p := range s.prices {
		if !fn(s.levels[p.String()]) {
			return
		}
	}
}

func (s *bookSide) totalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, level := range s.levels {
		total = total.Add(level.TotalQuantity)
	}
	return total
}

// DepthLevel is one aggregated price level in a depth snapshot.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// BookDepth is a best-first snapshot of both sides of the book.
type BookDepth struct {
	Bids []DepthLevel
	Asks []DepthLevel
}

// OrderBook maintains resting bids and asks, matches incoming orders by
// price-time priority and emits trades. The mark-to-market and margin
// machinery lives elsewhere; the book only knows orders and prices.
type OrderBook struct {
	mu sync.RWMutex

	bids *bookSide
	asks *bookSide

	// All orders ever submitted, including filled and cancelled ones,
	// so a repeated cancel can be told apart from an unknown id.
	orders map[uuid.UUID]*Order

	lastTradePrice decimal.Decimal
}

// NewOrderBook creates an empty order book.
func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids:   newBookSide(true),
		asks:   newBookSide(false),
		orders: make(map[uuid.UUID]*Order),
	}
}

// Submit matches the order against the opposite side and rests any
// remainder at its own price level. It returns the trades executed, in
// match order. A zero-quantity order is trivially filled and produces
// no trades.
func (ob *OrderBook) Submit(o *Order) []Trade {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	if o.Status == "" {
		o.Status = Open
	}
	ob.orders[o.ID] = o

	if o.Quantity.IsZero() {
		o.Status = Filled
		return nil
	}

	var trades []Trade
	if o.Side == Buy {
		trades = ob.matchAgainst(ob.asks, o)
	} else {
		trades = ob.matchAgainst(ob.bids, o)
	}

	if o.Remaining().IsPositive() {
		side := ob.bids
		if o.Side == Sell {
			side = ob.asks
		}
		side.getOrCreate(o.Price).addOrder(o)
	}
	return trades
}

// matchAgainst runs the taker order against the opposite side while the
// best resting price crosses the taker's limit. The trade price is
// always the maker's price.
func (ob *OrderBook) matchAgainst(opposite *bookSide, o *Order) []Trade {
	var trades []Trade

	for o.Remaining().IsPositive() {
		bestPrice, ok := opposite.best()
		if !ok {
			break
		}
		if o.Side == Buy && bestPrice.GreaterThan(o.Price) {
			break
		}
		if o.Side == Sell && bestPrice.LessThan(o.Price) {
			break
		}

		level := opposite.level(bestPrice)
		maker := level.Orders[0]

		qty := decimal.Min(o.Remaining(), maker.Remaining())
		trade := Trade{
			ID:        uuid.New(),
			Quantity:  qty,
			Price:     maker.Price,
			Timestamp: time.Now(),
		}
		if o.Side == Buy {
			trade.BuyOrderID = o.ID
			trade.SellOrderID = maker.ID
		} else {
			trade.BuyOrderID = maker.ID
			trade.SellOrderID = o.ID
		}
		trades = append(trades, trade)

		o.Filled = o.Filled.Add(qty)
		maker.Filled = maker.Filled.Add(qty)
		level.TotalQuantity = level.TotalQuantity.Sub(qty)
		ob.lastTradePrice = maker.Price

		if o.IsFilled() {
			o.Status = Filled
		} else {
			o.Status = PartiallyFilled
		}

		if maker.IsFilled() {
			maker.Status = Filled
			level.Orders = level.Orders[1:]
			if level.isEmpty() {
				opposite.removeLevel(bestPrice)
			}
		} else {
			maker.Status = PartiallyFilled
		}
	}
	return trades
}

// Cancel removes a resting order. Only the owning user may cancel, and
// an order that is already filled or cancelled cannot be cancelled
// again. The order record is retained so a repeated cancel reports
// ErrOrderNotCancelable rather than ErrOrderNotFound.
func (ob *OrderBook) Cancel(orderID uuid.UUID, userID string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.UserID != userID {
		return ErrNotOrderOwner
	}
	if o.Status == Filled || o.Status == Cancelled {
		return ErrOrderNotCancelable
	}

	side := ob.bids
	if o.Side == Sell {
		side = ob.asks
	}
	if level := side.level(o.Price); level != nil {
		level.removeOrder(o)
		if level.isEmpty() {
			side.removeLevel(o.Price)
		}
	}
	o.Status = Cancelled
	return nil
}

// Order returns an order by id, whether resting, filled or cancelled.
func (ob *OrderBook) Order(orderID uuid.UUID) (*Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.orders[orderID]
	return o, ok
}

// BestBid returns the highest resting bid price.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.best()
}

// BestAsk returns the lowest resting ask price.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.asks.best()
}

// Spread returns best ask minus best bid when both sides exist.
func (ob *OrderBook) Spread() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bid, okBid := ob.bids.best()
	ask, okAsk := ob.asks.best()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// LastTradePrice returns the price of the most recent fill, zero if no
// trade has happened yet.
func (ob *OrderBook) LastTradePrice() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastTradePrice
}

// Depth returns up to levels aggregated price levels per side, best
// first. levels <= 0 returns the whole book.
func (ob *OrderBook) Depth(levels int) BookDepth {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var depth BookDepth
	collect := func(side *bookSide, out *[]DepthLevel) {
		side.walk(func(level *PriceLevel) bool {
			*out = append(*out, DepthLevel{
				Price:    level.Price,
				Quantity: level.TotalQuantity,
			})
			return levels <= 0 || len(*out) < levels
		})
	}
	collect(ob.bids, &depth.Bids)
	collect(ob.asks, &depth.Asks)
	return depth
}

// TotalRestingVolume is the sum of remaining quantity across every
// resting order on both sides.
func (ob *OrderBook) TotalRestingVolume() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bids.totalQuantity().Add(ob.asks.totalQuantity())
}

// OpenOrderCount returns the number of orders currently resting.
func (ob *OrderBook) OpenOrderCount() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	n := 0
	for _, level := range ob.bids.levels {
		n += len(level.Orders)
	}
	for _, level := range ob.asks.levels {
		n += len(level.Orders)
	}
	return n
}
