package kitchen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// Invalidator drops cached queue state for the given stations.
type Invalidator interface {
	Invalidate(stations ...StationID)
}

// Dispatcher turns orders into one ticket per station touched.
type Dispatcher struct {
	store    Store
	stations StationRegistry
	queue    Invalidator
	events   Publisher
	loc      *time.Location
	now      func() time.Time
}

func NewDispatcher(store Store, stations StationRegistry, queue Invalidator, events Publisher, loc *time.Location) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	if events == nil {
		events = NoopPublisher{}
	}
	return &Dispatcher{
		store:    store,
		stations: stations,
		queue:    queue,
		events:   events,
		loc:      loc,
		now:      time.Now,
	}
}

// Dispatch stores the order and creates its tickets in one transaction.
// An order that is already stored fails with ErrAlreadyDispatched and
// nothing is written.
func (d *Dispatcher) Dispatch(ctx context.Context, order *Order) ([]Ticket, error) {
	if order == nil || order.ID == uuid.Nil {
		return nil, fmt.Errorf("service: %w: order id is required", ErrInvalidOrder)
	}
	if len(order.Items) == 0 {
		log.Warn().Stringer("order_id", order.ID).Msg("service: attempt to dispatch order with no items")
		return nil, fmt.Errorf("service: order %s: %w", order.ID, ErrInvalidTicket)
	}
	if order.Total.IsNegative() {
		return nil, fmt.Errorf("service: %w: total cannot be negative", ErrInvalidOrder)
	}

	now := d.now().UTC()
	if err := prepareItems(order.ID, order.Items); err != nil {
		return nil, err
	}
	groups, err := d.route(ctx, order.Items)
	if err != nil {
		return nil, err
	}

	order.Status = OrderOpen
	order.CreatedAt = now
	order.UpdatedAt = now

	var created []Ticket
	err = d.store.InOrder(ctx, order.ID, func(ctx context.Context, tx Tx) error {
		created = nil
		if _, err := tx.Order(ctx); err == nil {
			return ErrAlreadyDispatched
		} else if !errors.Is(err, ErrOrderNotFound) {
			return err
		}

		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		for _, g := range groups {
			t := d.newTicket(order, g.station, now)
			t.Items = ticketItems(t.ID, g.items, now)
			if err := tx.CreateTicket(ctx, &t); err != nil {
				return err
			}
			created = append(created, t)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyDispatched) {
			log.Warn().Stringer("order_id", order.ID).Msg("service: order already dispatched")
		} else {
			log.Error().Err(err).Stringer("order_id", order.ID).Msg("service: failed to dispatch order")
		}
		return nil, fmt.Errorf("service: failed to dispatch order %s: %w", order.ID, err)
	}

	stations := make([]StationID, 0, len(created))
	for i := range created {
		stations = append(stations, created[i].StationID)
	}
	d.queue.Invalidate(stations...)
	for i := range created {
		emit(ctx, d.events, TicketsTopic, newTicketCreatedEvent(EventTicketCreated, &created[i], created[i].Items, now))
	}

	log.Info().Stringer("order_id", order.ID).Int("tickets", len(created)).Msg("service: order dispatched")
	return created, nil
}

// AddItems appends items to an already dispatched order. Each item joins
// the non-terminal ticket of its station or, if there is none, a new ticket.
// It returns every ticket it touched.
//
// A call whose items are all already on the order with the same product,
// station and quantity is a replay: nothing is written and the tickets
// holding those items are returned. Any other overlap fails with
// ErrInvalidOrder.
func (d *Dispatcher) AddItems(ctx context.Context, orderID OrderID, items []OrderItem) ([]Ticket, error) {
	if orderID == uuid.Nil {
		return nil, fmt.Errorf("service: %w: order id is required", ErrInvalidOrder)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("service: order %s: %w", orderID, ErrInvalidTicket)
	}

	if err := prepareItems(orderID, items); err != nil {
		return nil, err
	}
	groups, err := d.route(ctx, items)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	type change struct {
		ticket  Ticket
		added   []TicketItem
		created bool
	}
	var (
		changes     []change
		replayed    []Ticket
		orderBefore OrderStatus
		orderAfter  OrderStatus
		order       *Order
	)
	err = d.store.InOrder(ctx, orderID, func(ctx context.Context, tx Tx) error {
		changes, replayed = nil, nil
		var err error
		order, err = tx.Order(ctx)
		if err != nil {
			return err
		}
		replay, err := isReplay(order, items)
		if err != nil {
			return err
		}
		if replay {
			replayed, err = ticketsHolding(ctx, tx, items)
			return err
		}
		if err := tx.AddOrderItems(ctx, items); err != nil {
			return err
		}

		tickets, err := tx.Tickets(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			idx := openTicketFor(tickets, g.station)
			if idx < 0 {
				t := d.newTicket(order, g.station, now)
				t.Items = ticketItems(t.ID, g.items, now)
				if err := tx.CreateTicket(ctx, &t); err != nil {
					return err
				}
				tickets = append(tickets, t)
				changes = append(changes, change{ticket: t, added: t.Items, created: true})
				continue
			}

			t, err := tx.LockTicket(ctx, tickets[idx].ID)
			if err != nil {
				return err
			}
			added := ticketItems(t.ID, g.items, now)
			if err := tx.AppendTicketItems(ctx, t.ID, added); err != nil {
				return err
			}
			t.Items = append(t.Items, added...)
			if status := DeriveTicketStatus(t.Items); status != t.Status {
				if err := tx.UpdateTicketStatus(ctx, t.ID, status, now); err != nil {
					return err
				}
				t.Status = status
			}
			t.UpdatedAt = now
			tickets[idx] = *t
			changes = append(changes, change{ticket: *t, added: added})
		}

		orderBefore = order.Status
		orderAfter = DeriveOrderStatus(tickets)
		if orderAfter != orderBefore {
			return tx.UpdateOrderStatus(ctx, orderAfter)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to add items to order")
		return nil, fmt.Errorf("service: failed to add items to order %s: %w", orderID, err)
	}
	if replayed != nil {
		log.Info().Stringer("order_id", orderID).Int("items", len(items)).Msg("service: items already on order, nothing to add")
		return replayed, nil
	}

	touched := make([]Ticket, 0, len(changes))
	stations := make([]StationID, 0, len(changes))
	for _, c := range changes {
		touched = append(touched, c.ticket)
		stations = append(stations, c.ticket.StationID)
	}
	d.queue.Invalidate(stations...)

	for i, c := range changes {
		eventType := EventTicketItemsAdded
		if c.created {
			eventType = EventTicketCreated
		}
		emit(ctx, d.events, TicketsTopic, newTicketCreatedEvent(eventType, &touched[i], c.added, now))
	}
	if orderAfter != orderBefore {
		emit(ctx, d.events, OrdersTopic, OrderStatusChangedEvent{
			EventType:      EventOrderStatusChanged,
			OccurredAt:     now,
			OrderID:        orderID.String(),
			OrderNumber:    order.Number,
			PreviousStatus: orderBefore.String(),
			NewStatus:      orderAfter.String(),
		})
	}

	log.Info().Stringer("order_id", orderID).Int("items", len(items)).Int("tickets", len(touched)).Msg("service: items added to order")
	return touched, nil
}

type stationGroup struct {
	station StationID
	items   []OrderItem
}

// route resolves every item to an active station and groups items by
// station in order of first appearance.
func (d *Dispatcher) route(ctx context.Context, items []OrderItem) ([]stationGroup, error) {
	checked := make(map[StationID]error)
	index := make(map[StationID]int)
	var groups []stationGroup

	for _, it := range items {
		routeErr, seen := checked[it.StationID]
		if !seen {
			st, err := d.stations.Get(ctx, it.StationID)
			switch {
			case errors.Is(err, ErrNotFound):
				routeErr = ErrStationNotFound
			case err != nil:
				return nil, err
			case !st.Active:
				routeErr = fmt.Errorf("%w: station %s is inactive", ErrStationNotFound, st.Code)
			}
			checked[it.StationID] = routeErr
		}
		if routeErr != nil {
			log.Warn().Stringer("item_id", it.ID).Stringer("station_id", it.StationID).Msg("service: order item cannot be routed")
			return nil, &RoutingError{ItemID: it.ID, StationID: it.StationID, Err: routeErr}
		}

		i, ok := index[it.StationID]
		if !ok {
			i = len(groups)
			index[it.StationID] = i
			groups = append(groups, stationGroup{station: it.StationID})
		}
		groups[i].items = append(groups[i].items, it)
	}
	return groups, nil
}

func (d *Dispatcher) newTicket(order *Order, station StationID, now time.Time) Ticket {
	return Ticket{
		ID:          mustNewID(),
		Day:         now.In(d.loc).Format(time.DateOnly),
		OrderID:     order.ID,
		StationID:   station,
		Status:      TicketOpen,
		OrderNumber: order.Number,
		TableID:     order.TableID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// prepareItems validates incoming order items and fills server-side fields.
func prepareItems(orderID OrderID, items []OrderItem) error {
	seen := make(map[OrderItemID]bool, len(items))
	for i := range items {
		it := &items[i]
		if it.ProductID == uuid.Nil {
			return fmt.Errorf("service: %w: product id in order item cannot be nil", ErrInvalidOrder)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("service: %w: quantity for product %s must be greater than zero", ErrInvalidOrder, it.ProductID)
		}
		if it.ID == uuid.Nil {
			it.ID = mustNewID()
		}
		if seen[it.ID] {
			return fmt.Errorf("service: %w: duplicate order item %s", ErrInvalidOrder, it.ID)
		}
		seen[it.ID] = true
		it.OrderID = orderID
		it.Status = ItemPending
	}
	return nil
}

func ticketItems(ticketID TicketID, items []OrderItem, now time.Time) []TicketItem {
	out := make([]TicketItem, 0, len(items))
	for _, it := range items {
		out = append(out, TicketItem{
			ID:          mustNewID(),
			TicketID:    ticketID,
			OrderItemID: it.ID,
			ProductID:   it.ProductID,
			Quantity:    it.Quantity,
			Notes:       it.Notes,
			Status:      ItemPending,
			UpdatedAt:   now,
		})
	}
	return out
}

// isReplay reports whether every item is already stored on the order
// unchanged. Items that only partly match the order are an error.
func isReplay(order *Order, items []OrderItem) (bool, error) {
	stored := make(map[OrderItemID]OrderItem, len(order.Items))
	for _, it := range order.Items {
		stored[it.ID] = it
	}

	matched := 0
	for _, it := range items {
		existing, ok := stored[it.ID]
		if !ok {
			continue
		}
		if existing.ProductID != it.ProductID || existing.StationID != it.StationID || existing.Quantity != it.Quantity {
			return false, fmt.Errorf("%w: order item %s already exists with other contents", ErrInvalidOrder, it.ID)
		}
		matched++
	}
	switch matched {
	case 0:
		return false, nil
	case len(items):
		return true, nil
	default:
		return false, fmt.Errorf("%w: %d of %d order items already exist", ErrInvalidOrder, matched, len(items))
	}
}

// ticketsHolding returns the order's tickets that contain any of items.
func ticketsHolding(ctx context.Context, tx Tx, items []OrderItem) ([]Ticket, error) {
	wanted := make(map[OrderItemID]bool, len(items))
	for _, it := range items {
		wanted[it.ID] = true
	}
	tickets, err := tx.Tickets(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Ticket, 0, len(tickets))
	for _, t := range tickets {
		for _, it := range t.Items {
			if wanted[it.OrderItemID] {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// openTicketFor returns the index of the newest non-terminal ticket of the
// station, or -1.
func openTicketFor(tickets []Ticket, station StationID) int {
	for i := len(tickets) - 1; i >= 0; i-- {
		if tickets[i].StationID == station && !tickets[i].Status.Terminal() {
			return i
		}
	}
	return -1
}

func mustNewID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}
