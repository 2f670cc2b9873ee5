package pool

import "errors"

// Typed error kinds (spec.md §7). Higher layers switch on these with
// errors.Is rather than inspecting message text.
var (
	ErrInsufficient     = errors.New("insufficient")
	ErrCap              = errors.New("reservation coin cap exceeded")
	ErrCapExceeded       = errors.New("daily gas usage cap exceeded")
	ErrDenied           = errors.New("denied")
	ErrNotFound         = errors.New("not found")
	ErrExpired          = errors.New("expired")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrSignerUnavailable = errors.New("signer unavailable")
	ErrInternal         = errors.New("internal error")
)
