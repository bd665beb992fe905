package kitchen

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	TicketsTopic = "kitchen.tickets"
	OrdersTopic  = "kitchen.orders"

	EventTicketCreated      = "kitchen.ticket.created"
	EventTicketItemsAdded   = "kitchen.ticket.items_added"
	EventTicketItemStatus   = "kitchen.ticket.item_status_changed"
	EventOrderStatusChanged = "kitchen.order.status_changed"
)

// Publisher delivers serialized events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }

type TicketEventMetadata struct {
	EventType   string    `json:"event_type"`
	OccurredAt  time.Time `json:"occurred_at"`
	TicketID    string    `json:"ticket_id"`
	OrderID     string    `json:"order_id"`
	StationID   string    `json:"station_id"`
	Number      int       `json:"number"`
	OrderNumber string    `json:"order_number,omitempty"`
	TableID     string    `json:"table_id,omitempty"`
}

type TicketEventItem struct {
	ItemID      string `json:"item_id"`
	OrderItemID string `json:"order_item_id"`
	ProductID   string `json:"product_id"`
	Quantity    int    `json:"quantity"`
	Notes       string `json:"notes,omitempty"`
}

// TicketCreatedEvent is also used for items appended to an open ticket.
type TicketCreatedEvent struct {
	TicketEventMetadata
	Status string            `json:"status"`
	Items  []TicketEventItem `json:"items"`
}

type TicketItemStatusChangedEvent struct {
	TicketEventMetadata
	ItemID         string `json:"item_id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	TicketStatus   string `json:"ticket_status"`
	Actor          string `json:"actor,omitempty"`
}

type OrderStatusChangedEvent struct {
	EventType      string    `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	OrderID        string    `json:"order_id"`
	OrderNumber    string    `json:"order_number,omitempty"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
}

func ticketMetadata(eventType string, t *Ticket, at time.Time) TicketEventMetadata {
	return TicketEventMetadata{
		EventType:   eventType,
		OccurredAt:  at,
		TicketID:    t.ID.String(),
		OrderID:     t.OrderID.String(),
		StationID:   t.StationID.String(),
		Number:      t.Number,
		OrderNumber: t.OrderNumber,
		TableID:     t.TableID,
	}
}

func newTicketCreatedEvent(eventType string, t *Ticket, items []TicketItem, at time.Time) TicketCreatedEvent {
	ev := TicketCreatedEvent{
		TicketEventMetadata: ticketMetadata(eventType, t, at),
		Status:              t.Status.String(),
		Items:               make([]TicketEventItem, 0, len(items)),
	}
	for _, it := range items {
		ev.Items = append(ev.Items, TicketEventItem{
			ItemID:      it.ID.String(),
			OrderItemID: it.OrderItemID.String(),
			ProductID:   it.ProductID.String(),
			Quantity:    it.Quantity,
			Notes:       it.Notes,
		})
	}
	return ev
}

// emit publishes after commit. The store is the source of truth, so a
// failed publish is logged and not returned.
func emit(ctx context.Context, p Publisher, topic string, event any) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("service: failed to marshal event")
		return
	}
	if err := p.Publish(ctx, topic, payload); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("service: failed to publish event")
	}
}
