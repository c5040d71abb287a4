package planner

import "errors"

var (
	// ErrQuoteUnavailable means the adapter could not price a leg, even
	// after a widened-slippage retry. Fatal for the whole plan: a partial
	// fill would leave the basket between allocations.
	ErrQuoteUnavailable = errors.New("quote unavailable")

	// ErrInsufficientSourceBalance means a sell leg exceeds the live vault
	// balance, or the native balance plus sale proceeds cannot fund the
	// buy legs. Raised before any bundle is built.
	ErrInsufficientSourceBalance = errors.New("insufficient source balance")

	// ErrPriceImpactExceedsSlippage is surfaced as a plan warning, never
	// returned from planning on its own.
	ErrPriceImpactExceedsSlippage = errors.New("price impact exceeds slippage tolerance")
)
