package perp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics holds the Prometheus counters for the simulation core. All
// record methods are safe on a nil receiver so wiring metrics stays
// optional.
type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced   prometheus.Counter
	ordersRejected prometheus.Counter
	tradesExecuted prometheus.Counter
	tradeVolume    prometheus.Counter
	liquidations   prometheus.Counter
	fundingEvents  prometheus.Counter
}

// NewMetrics creates and registers the counters under the given
// namespace on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Total number of orders accepted",
		}),
		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Total number of orders rejected by validation or margin checks",
		}),
		tradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total number of trades executed",
		}),
		tradeVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_volume_total",
			Help:      "Total traded quantity",
		}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Total number of positions liquidated",
		}),
		fundingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "funding_events_total",
			Help:      "Total number of funding applications",
		}),
	}

	registry.MustRegister(
		m.ordersPlaced,
		m.ordersRejected,
		m.tradesExecuted,
		m.tradeVolume,
		m.liquidations,
		m.fundingEvents,
	)
	return m
}

// Registry exposes the underlying registry for scraping or gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OrderPlaced() {
	if m != nil {
		m.ordersPlaced.Inc()
	}
}

func (m *Metrics) OrderRejected() {
	if m != nil {
		m.ordersRejected.Inc()
	}
}

func (m *Metrics) TradeExecuted(qty decimal.Decimal) {
	if m != nil {
		m.tradesExecuted.Inc()
		f, _ := qty.Float64()
		m.tradeVolume.Add(f)
	}
}

func (m *Metrics) PositionLiquidated() {
	if m != nil {
		m.liquidations.Inc()
	}
}

func (m *Metrics) FundingApplied() {
	if m != nil {
		m.fundingEvents.Inc()
	}
}
