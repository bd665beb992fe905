package kitchen

import (
	"context"
	"time"
)

// Store is the persistence collaborator. Implementations live under
// internal/storage.
type Store interface {
	// InOrder runs fn in one transaction that holds the exclusive section of
	// orderID. If fn returns an error nothing it wrote is kept.
	InOrder(ctx context.Context, orderID OrderID, fn func(ctx context.Context, tx Tx) error) error

	// Snapshot reads. They never wait on InOrder sections.
	TicketOrder(ctx context.Context, id TicketID) (OrderID, error)
	GetTicket(ctx context.Context, id TicketID) (*Ticket, error)
	GetOrder(ctx context.Context, id OrderID) (*Order, error)
	ListTicketsByStation(ctx context.Context, stationID StationID, statuses []TicketStatus) ([]Ticket, error)
	// StationVersion grows with every committed transaction that writes a
	// ticket of the station, whichever process made it. A station that was
	// never written is at version 0.
	StationVersion(ctx context.Context, stationID StationID) (int64, error)

	StationStore
}

// StationStore is the read-only view of station configuration.
type StationStore interface {
	ListStations(ctx context.Context) ([]Station, error)
	GetStation(ctx context.Context, id StationID) (*Station, error)
}

// Tx is scoped to the order whose section is held.
type Tx interface {
	// Order returns the locked order with its items, or ErrOrderNotFound.
	Order(ctx context.Context) (*Order, error)
	CreateOrder(ctx context.Context, o *Order) error
	AddOrderItems(ctx context.Context, items []OrderItem) error
	UpdateOrderStatus(ctx context.Context, status OrderStatus) error
	UpdateOrderItemStatus(ctx context.Context, id OrderItemID, status ItemStatus) error

	// Tickets returns every ticket of the order with items, oldest first.
	Tickets(ctx context.Context) ([]Ticket, error)
	// LockTicket takes the ticket's exclusive section. A ticket of another
	// order is reported as ErrTicketNotFound.
	LockTicket(ctx context.Context, id TicketID) (*Ticket, error)
	// CreateTicket stores t and its items and fills Number (per day) and Seq.
	// A ticket without items fails with ErrInvalidTicket.
	CreateTicket(ctx context.Context, t *Ticket) error
	AppendTicketItems(ctx context.Context, ticketID TicketID, items []TicketItem) error
	UpdateTicketItem(ctx context.Context, item TicketItem) error
	UpdateTicketStatus(ctx context.Context, id TicketID, status TicketStatus, at time.Time) error
}
