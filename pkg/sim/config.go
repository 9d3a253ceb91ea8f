package sim

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// UserConfig seeds one simulated account.
type UserConfig struct {
	ID         string          `json:"id"`
	Collateral decimal.Decimal `json:"collateral"`
}

// EventType names the scripted event kinds a scenario can schedule.
type EventType string

const (
	EventPlaceOrder  EventType = "place_order"
	EventPriceUpdate EventType = "price_update"
	EventPriceSpike  EventType = "price_spike"
	EventPriceCrash  EventType = "price_crash"
	EventRandomOrder EventType = "random_order"
)

// Event is one scripted action at a simulated hour. Fields beyond Hour
// and Type apply only to the event kinds that use them.
type Event struct {
	Hour int       `json:"hour"`
	Type EventType `json:"type"`

	// place_order
	UserID   string          `json:"user_id,omitempty"`
	Side     string          `json:"side,omitempty"`
	Quantity decimal.Decimal `json:"quantity,omitempty"`
	Price    decimal.Decimal `json:"price,omitempty"`
	Leverage int             `json:"leverage,omitempty"`

	// price_update / price_spike / price_crash
	NewPrice decimal.Decimal `json:"new_price,omitempty"`
	Percent  decimal.Decimal `json:"percent,omitempty"`
}

// Config is a full scenario: accounts, the starting price and the
// scripted event timeline. Hours without a scripted price move get a
// random-walk step instead.
type Config struct {
	Hours         int             `json:"hours"`
	Seed          int64           `json:"seed"`
	StartingPrice decimal.Decimal `json:"starting_price"`
	Users         []UserConfig    `json:"users"`
	Events        []Event         `json:"events"`
}

// DefaultConfig is a small self-contained scenario used when no file
// is given: two traders crossing at the starting price, then a crash
// deep enough to liquidate the long.
func DefaultConfig() Config {
	price := decimal.NewFromInt(60000)
	return Config{
		Hours:         24,
		Seed:          42,
		StartingPrice: price,
		Users: []UserConfig{
			{ID: "alice", Collateral: decimal.NewFromInt(100000)},
			{ID: "bob", Collateral: decimal.NewFromInt(100000)},
		},
		Events: []Event{
			{Hour: 1, Type: EventPlaceOrder, UserID: "alice", Side: "buy",
				Quantity: decimal.NewFromInt(1), Price: price, Leverage: 10},
			{Hour: 1, Type: EventPlaceOrder, UserID: "bob", Side: "sell",
				Quantity: decimal.NewFromInt(1), Price: price, Leverage: 5},
			{Hour: 6, Type: EventPriceCrash, Percent: decimal.NewFromFloat(0.12)},
		},
	}
}

// Load reads and validates a scenario file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read scenario: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse scenario: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the scenario for obvious mistakes before running.
func (c *Config) Validate() error {
	if c.Hours <= 0 {
		return fmt.Errorf("scenario hours must be positive, got %d", c.Hours)
	}
	if !c.StartingPrice.IsPositive() {
		return fmt.Errorf("starting price must be positive, got %s", c.StartingPrice)
	}
	seen := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("user with empty id")
		}
		if seen[u.ID] {
			return fmt.Errorf("duplicate user %q", u.ID)
		}
		seen[u.ID] = true
	}
	for i, ev := range c.Events {
		if ev.Hour < 0 || ev.Hour >= c.Hours {
			return fmt.Errorf("event %d: hour %d outside scenario [0,%d)", i, ev.Hour, c.Hours)
		}
		switch ev.Type {
		case EventPlaceOrder:
			if !seen[ev.UserID] {
				return fmt.Errorf("event %d: unknown user %q", i, ev.UserID)
			}
			if ev.Side != "buy" && ev.Side != "sell" {
				return fmt.Errorf("event %d: side must be buy or sell, got %q", i, ev.Side)
			}
		case EventRandomOrder:
			if len(c.Users) == 0 {
				return fmt.Errorf("event %d: random_order needs at least one user", i)
			}
		case EventPriceUpdate:
			if !ev.NewPrice.IsPositive() {
				return fmt.Errorf("event %d: new_price must be positive", i)
			}
		case EventPriceSpike, EventPriceCrash:
			if !ev.Percent.IsPositive() {
				return fmt.Errorf("event %d: percent must be positive", i)
			}
		default:
			return fmt.Errorf("event %d: unknown type %q", i, ev.Type)
		}
	}
	return nil
}
