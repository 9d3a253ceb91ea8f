package perp

import "errors"

// Validation errors: rejected before any state mutation.
var (
	ErrInvalidQuantity  = errors.New("order quantity must be positive")
	ErrInvalidPrice     = errors.New("order price must be positive")
	ErrInvalidLeverage  = errors.New("leverage must be between 1 and 10")
	ErrInvalidSide      = errors.New("invalid order side")
	ErrInvalidOrderType = errors.New("invalid order type")
)

// Margin and lookup errors.
var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrOrderNotFound      = errors.New("order not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
)

// Order-cancellation errors.
var (
	ErrNotOrderOwner      = errors.New("not authorized to cancel this order")
	ErrOrderNotCancelable = errors.New("order is already filled or cancelled")
)

// State errors.
var (
	ErrNoMarketData    = errors.New("no market data available")
	ErrNoLiquidity     = errors.New("no resting orders on the opposite side")
	ErrNotLiquidatable = errors.New("position is not liquidatable")
)
