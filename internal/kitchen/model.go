package kitchen

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type StationID = uuid.UUID
type OrderID = uuid.UUID
type OrderItemID = uuid.UUID
type ProductID = uuid.UUID
type TicketID = uuid.UUID
type TicketItemID = uuid.UUID

// Station is a preparation area items are routed to (Cocina, Bar, Pastelería).
type Station struct {
	ID        StationID `json:"id" db:"id"`
	Code      string    `json:"code" db:"code"`
	Name      string    `json:"name" db:"name"`
	Active    bool      `json:"active" db:"active"`
	SortOrder int       `json:"sort_order" db:"sort_order"`
}

type Order struct {
	ID        OrderID         `json:"id" db:"id"`
	Number    string          `json:"number" db:"number"`
	TableID   string          `json:"table_id,omitempty" db:"table_id"`
	Status    OrderStatus     `json:"status" db:"status"`
	Total     decimal.Decimal `json:"total" db:"total"`
	Items     []OrderItem     `json:"items" db:"-"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// OrderItem is one line of a customer order. StationID is resolved by the
// order-management side before the order reaches the dispatcher.
type OrderItem struct {
	ID        OrderItemID `json:"id" db:"id"`
	OrderID   OrderID     `json:"order_id" db:"order_id"`
	ProductID ProductID   `json:"product_id" db:"product_id"`
	StationID StationID   `json:"station_id" db:"station_id"`
	Quantity  int         `json:"quantity" db:"quantity"`
	Notes     string      `json:"notes,omitempty" db:"notes"`
	Status    ItemStatus  `json:"status" db:"status"`
}

// Ticket (comanda) is the station-scoped subset of one order's items.
type Ticket struct {
	ID        TicketID     `json:"id" db:"id"`
	Number    int          `json:"number" db:"number"`
	Day       string       `json:"day" db:"day"`
	Seq       int64        `json:"seq" db:"seq"`
	OrderID   OrderID      `json:"order_id" db:"order_id"`
	StationID StationID    `json:"station_id" db:"station_id"`
	Status    TicketStatus `json:"status" db:"status"`
	Items     []TicketItem `json:"items" db:"-"`

	// Denormalized for kitchen displays
	OrderNumber string `json:"order_number,omitempty" db:"order_number"`
	TableID     string `json:"table_id,omitempty" db:"table_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type TicketItem struct {
	ID          TicketItemID `json:"id" db:"id"`
	TicketID    TicketID     `json:"ticket_id" db:"ticket_id"`
	OrderItemID OrderItemID  `json:"order_item_id" db:"order_item_id"`
	ProductID   ProductID    `json:"product_id" db:"product_id"`
	Quantity    int          `json:"quantity" db:"quantity"`
	Notes       string       `json:"notes,omitempty" db:"notes"`
	Status      ItemStatus   `json:"status" db:"status"`
	UpdatedBy   string       `json:"updated_by,omitempty" db:"updated_by"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// Item returns the ticket item with the given id.
func (t *Ticket) Item(id TicketItemID) (*TicketItem, bool) {
	for i := range t.Items {
		if t.Items[i].ID == id {
			return &t.Items[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the ticket.
func (t Ticket) Clone() Ticket {
	c := t
	c.Items = append([]TicketItem(nil), t.Items...)
	return c
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	c := o
	c.Items = append([]OrderItem(nil), o.Items...)
	return c
}

// Actor is the identity that requested a transition. It is stored as an
// audit field only.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

func (a Actor) String() string {
	if a.Role == "" {
		return a.ID
	}
	return a.ID + ":" + a.Role
}
