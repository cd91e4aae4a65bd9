package order

import "errors"

var (
	ErrUnknownOrder      = errors.New("unknown order")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInvalidRequest    = errors.New("invalid order request")
	ErrNoLiquidity       = errors.New("no liquidity on opposite side")
	ErrPostOnlyCross     = errors.New("post-only order would cross")
	ErrCancelFailed      = errors.New("cancel failed")
	ErrNoVenue           = errors.New("live mode requires a venue")
)
