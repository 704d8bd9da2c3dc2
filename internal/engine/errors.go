package engine

import "fmt"

// Kind classifies every rejection the engine can produce. Validation and
// reservation failures abort before any state mutation; later failures roll
// the whole submission back.
type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindUnknownSymbol      Kind = "UNKNOWN_SYMBOL"
	KindUnknownOrder       Kind = "UNKNOWN_ORDER"
	KindUnknownUser        Kind = "UNKNOWN_USER"
	KindCrossesBook        Kind = "CROSSES_BOOK"
	KindInsufficientFunds  Kind = "INSUFFICIENT_FUNDS"
	KindInsufficientShares Kind = "INSUFFICIENT_SHARES_IN_CIRCULATION"
	KindNoLiquidity        Kind = "NO_LIQUIDITY"
	KindSymbolInUse        Kind = "SYMBOL_IN_USE"
	KindLastManager        Kind = "LAST_MANAGER"
	KindPermissionDenied   Kind = "PERMISSION_DENIED"
	KindUnauthenticated    Kind = "UNAUTHENTICATED"
	KindInternal           Kind = "INTERNAL"
)

// Error is a rejection carrying its taxonomy kind and a human-readable
// message suitable for the API's error envelope.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// Is reports kind equality, so errors.Is(err, ErrInsufficientFunds) matches
// any INSUFFICIENT_FUNDS rejection regardless of message detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Canonical rejections, one per kind. INVALID_INPUT rejections usually
// carry field detail built with errInvalidf instead.
var (
	ErrInvalidInput       = &Error{KindInvalidInput, "invalid input"}
	ErrUnknownSymbol      = &Error{KindUnknownSymbol, "symbol not found"}
	ErrUnknownOrder       = &Error{KindUnknownOrder, "order not found or already closed"}
	ErrUnknownUser        = &Error{KindUnknownUser, "user not found"}
	ErrCrossesBook        = &Error{KindCrossesBook, "limit order would cross the book; submit a market order instead"}
	ErrInsufficientFunds  = &Error{KindInsufficientFunds, "insufficient funds"}
	ErrInsufficientShares = &Error{KindInsufficientShares, "insufficient shares in circulation"}
	ErrNoLiquidity        = &Error{KindNoLiquidity, "no liquidity available for market order"}
	ErrSymbolInUse        = &Error{KindSymbolInUse, "symbol has open orders or positions"}
	ErrLastManager        = &Error{KindLastManager, "cannot delete the last remaining manager"}
	ErrPermissionDenied   = &Error{KindPermissionDenied, "manager role required"}
	ErrUnauthenticated    = &Error{KindUnauthenticated, "authentication required"}
	ErrInternal           = &Error{KindInternal, "internal error"}
)

func errInvalidf(format string, args ...any) *Error {
	return &Error{KindInvalidInput, fmt.Sprintf(format, args...)}
}
