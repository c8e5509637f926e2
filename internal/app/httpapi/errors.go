package httpapi

import "fmt"

var (
	ErrActionNotFound     = fmt.Errorf("action not found")
	ErrInvalidCursor      = fmt.Errorf("cursor is not a valid event id")
	ErrMissingID          = fmt.Errorf("id path parameter required")
	errMissingOrBadToken  = fmt.Errorf("missing or invalid admin token")
	errUnknownPointerKind = fmt.Errorf("unknown rehydrate pointer kind")
)
