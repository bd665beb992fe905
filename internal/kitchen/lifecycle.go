package kitchen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Controller applies item transitions and keeps ticket and order aggregate
// states in step with their children.
type Controller struct {
	store  Store
	queue  Invalidator
	events Publisher
	now    func() time.Time
}

func NewController(store Store, queue Invalidator, events Publisher) *Controller {
	if events == nil {
		events = NoopPublisher{}
	}
	return &Controller{
		store:  store,
		queue:  queue,
		events: events,
		now:    time.Now,
	}
}

// TransitionItem moves one ticket item to status. An illegal edge fails with
// a *TransitionError and leaves every record untouched. A zero actor falls
// back to the actor stored in ctx.
func (c *Controller) TransitionItem(ctx context.Context, ticketID TicketID, itemID TicketItemID, status ItemStatus, actor Actor) (*Ticket, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("service: %w: item status %q", ErrInvalidStatus, status)
	}
	if actor == (Actor{}) {
		actor, _ = ActorFromContext(ctx)
	}

	orderID, err := c.store.TicketOrder(ctx, ticketID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Stringer("ticket_id", ticketID).Msg("service: ticket not found for transition")
		}
		return nil, fmt.Errorf("service: failed to resolve ticket %s: %w", ticketID, err)
	}

	now := c.now().UTC()
	var (
		updated     *Ticket
		from        ItemStatus
		order       *Order
		orderBefore OrderStatus
		orderAfter  OrderStatus
	)
	err = c.store.InOrder(ctx, orderID, func(ctx context.Context, tx Tx) error {
		var err error
		order, err = tx.Order(ctx)
		if err != nil {
			return err
		}
		t, err := tx.LockTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		item, ok := t.Item(itemID)
		if !ok {
			return ErrItemNotFound
		}
		from = item.Status
		if !CanTransition(from, status) {
			return &TransitionError{TicketID: ticketID, ItemID: itemID, From: from, To: status}
		}

		item.Status = status
		item.UpdatedBy = actor.String()
		item.UpdatedAt = now
		if err := tx.UpdateTicketItem(ctx, *item); err != nil {
			return err
		}
		if err := tx.UpdateOrderItemStatus(ctx, item.OrderItemID, status); err != nil {
			return err
		}

		if ts := DeriveTicketStatus(t.Items); ts != t.Status {
			if err := tx.UpdateTicketStatus(ctx, t.ID, ts, now); err != nil {
				return err
			}
			t.Status = ts
		}
		t.UpdatedAt = now

		tickets, err := tx.Tickets(ctx)
		if err != nil {
			return err
		}
		for i := range tickets {
			if tickets[i].ID == t.ID {
				tickets[i].Status = t.Status
			}
		}
		orderBefore = order.Status
		orderAfter = DeriveOrderStatus(tickets)
		if orderAfter != orderBefore {
			if err := tx.UpdateOrderStatus(ctx, orderAfter); err != nil {
				return err
			}
		}
		updated = t
		return nil
	})
	if err != nil {
		var te *TransitionError
		switch {
		case errors.As(err, &te):
			log.Warn().
				Stringer("ticket_id", ticketID).
				Stringer("item_id", itemID).
				Stringer("current_status", te.From).
				Stringer("new_status", status).
				Msg("service: invalid item status transition attempt")
		case errors.Is(err, ErrNotFound):
			log.Warn().Err(err).Stringer("ticket_id", ticketID).Stringer("item_id", itemID).Msg("service: transition target not found")
		default:
			log.Error().Err(err).Stringer("ticket_id", ticketID).Stringer("item_id", itemID).Msg("service: failed to transition item")
		}
		return nil, fmt.Errorf("service: failed to transition item %s: %w", itemID, err)
	}

	c.queue.Invalidate(updated.StationID)

	emit(ctx, c.events, TicketsTopic, TicketItemStatusChangedEvent{
		TicketEventMetadata: ticketMetadata(EventTicketItemStatus, updated, now),
		ItemID:              itemID.String(),
		PreviousStatus:      from.String(),
		NewStatus:           status.String(),
		TicketStatus:        updated.Status.String(),
		Actor:               actor.String(),
	})
	if orderAfter != orderBefore {
		emit(ctx, c.events, OrdersTopic, OrderStatusChangedEvent{
			EventType:      EventOrderStatusChanged,
			OccurredAt:     now,
			OrderID:        orderID.String(),
			OrderNumber:    order.Number,
			PreviousStatus: orderBefore.String(),
			NewStatus:      orderAfter.String(),
		})
	}

	log.Info().
		Stringer("ticket_id", ticketID).
		Stringer("item_id", itemID).
		Stringer("old_status", from).
		Stringer("new_status", status).
		Stringer("ticket_status", updated.Status).
		Str("actor", actor.String()).
		Msg("service: item status updated successfully")
	return updated, nil
}
