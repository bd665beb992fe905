package kitchen

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStationNotFound   = fmt.Errorf("station %w", ErrNotFound)
	ErrTicketNotFound    = fmt.Errorf("ticket %w", ErrNotFound)
	ErrItemNotFound      = fmt.Errorf("ticket item %w", ErrNotFound)
	ErrOrderNotFound     = fmt.Errorf("order %w", ErrNotFound)
	ErrRouting           = errors.New("item cannot be routed to an active station")
	ErrInvalidTicket     = errors.New("ticket must contain at least one item")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidStatus     = errors.New("unknown status")
	ErrAlreadyDispatched = errors.New("order already dispatched")
	ErrInvalidTransition = errors.New("invalid item status transition")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// RoutingError names the order item that could not be routed.
type RoutingError struct {
	ItemID    OrderItemID
	StationID StationID
	Err       error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("%s: item %s, station %s: %v", ErrRouting, e.ItemID, e.StationID, e.Err)
}

func (e *RoutingError) Unwrap() []error {
	return []error{ErrRouting, e.Err}
}

// TransitionError carries the item's current state so the caller can show
// it to kitchen staff.
type TransitionError struct {
	TicketID TicketID
	ItemID   TicketItemID
	From     ItemStatus
	To       ItemStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: item %s is %s, cannot become %s", ErrInvalidTransition, e.ItemID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Unavailable wraps a persistence failure so callers can match
// ErrStoreUnavailable while keeping the driver error in the chain.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
