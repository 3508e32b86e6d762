package domain

import "errors"

var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingCredentials = errors.New("missing exchange credentials")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrNotConfirmed       = errors.New("trading not confirmed")
	ErrBelowMinNotional   = errors.New("order notional below minimum")
	ErrNoPrice            = errors.New("no price available")
	ErrAlreadyRunning     = errors.New("trading loop already started")

	// ErrOrderUnsettled means an order may have reached the exchange but its
	// outcome is not known yet. It must be looked up, never re-sent blindly.
	ErrOrderUnsettled = errors.New("order not settled")
	ErrOrderNotFound  = errors.New("order not found")
	ErrOrderNotFilled = errors.New("order closed without execution")
)
