package kitchen

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemPreparing ItemStatus = "preparing"
	ItemReady     ItemStatus = "ready"
	ItemDelivered ItemStatus = "delivered"
	ItemCancelled ItemStatus = "cancelled"
)

func (s ItemStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s ItemStatus) Terminal() bool {
	return s == ItemDelivered || s == ItemCancelled
}

type TicketStatus string

const (
	TicketOpen          TicketStatus = "open"
	TicketInPreparation TicketStatus = "in_preparation"
	TicketReady         TicketStatus = "ready"
	TicketDelivered     TicketStatus = "delivered"
	TicketCancelled     TicketStatus = "cancelled"
)

func (s TicketStatus) String() string {
	return string(s)
}

func (s TicketStatus) Terminal() bool {
	return s == TicketDelivered || s == TicketCancelled
}

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketInPreparation, TicketReady, TicketDelivered, TicketCancelled:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderOpen          OrderStatus = "open"
	OrderInPreparation OrderStatus = "in_preparation"
	OrderReady         OrderStatus = "ready"
	OrderDelivered     OrderStatus = "delivered"
	OrderCancelled     OrderStatus = "cancelled"
)

func (s OrderStatus) String() string {
	return string(s)
}

// ActiveTicketStatuses is the default station queue filter.
var ActiveTicketStatuses = []TicketStatus{TicketOpen, TicketInPreparation, TicketReady}

var allowedTransitions = map[ItemStatus]map[ItemStatus]bool{
	ItemPending: {
		ItemPreparing: true,
		ItemCancelled: true,
	},
	ItemPreparing: {
		ItemReady:     true,
		ItemCancelled: true,
	},
	ItemReady: {
		ItemDelivered: true,
	},
	ItemDelivered: {},
	ItemCancelled: {},
}

// CanTransition reports whether the item state machine has an edge from -> to.
func CanTransition(from, to ItemStatus) bool {
	return allowedTransitions[from][to]
}

// DeriveTicketStatus computes a ticket's aggregate state from its items.
// A ticket whose items are neither all pending nor all finished is in
// preparation, including one that mixes pending and ready items.
func DeriveTicketStatus(items []TicketItem) TicketStatus {
	var pending, ready, delivered, cancelled int
	for _, it := range items {
		switch it.Status {
		case ItemPending:
			pending++
		case ItemReady:
			ready++
		case ItemDelivered:
			delivered++
		case ItemCancelled:
			cancelled++
		}
	}

	total := len(items)
	switch {
	case cancelled == total:
		return TicketCancelled
	case delivered+cancelled == total:
		return TicketDelivered
	case ready+delivered+cancelled == total:
		return TicketReady
	case pending+cancelled == total:
		return TicketOpen
	default:
		return TicketInPreparation
	}
}

// DeriveOrderStatus computes an order's aggregate state from its tickets.
// Only a ticket in preparation puts the order in preparation; every other
// mix that is not finished or ready leaves it open. An order without
// tickets is open.
func DeriveOrderStatus(tickets []Ticket) OrderStatus {
	if len(tickets) == 0 {
		return OrderOpen
	}

	var inPreparation, ready, delivered, cancelled int
	for i := range tickets {
		switch tickets[i].Status {
		case TicketInPreparation:
			inPreparation++
		case TicketReady:
			ready++
		case TicketDelivered:
			delivered++
		case TicketCancelled:
			cancelled++
		}
	}

	total := len(tickets)
	switch {
	case cancelled == total:
		return OrderCancelled
	case delivered+cancelled == total:
		return OrderDelivered
	case ready+delivered+cancelled == total:
		return OrderReady
	case inPreparation > 0:
		return OrderInPreparation
	default:
		return OrderOpen
	}
}
