package kitchen

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog/log"
)

type Service interface {
	Dispatch(ctx context.Context, order *Order) ([]Ticket, error)
	AddItems(ctx context.Context, orderID OrderID, items []OrderItem) ([]Ticket, error)
	TransitionItem(ctx context.Context, ticketID TicketID, itemID TicketItemID, status ItemStatus, actor Actor) (*Ticket, error)
	GetTicket(ctx context.Context, id TicketID) (*Ticket, error)
	GetOrder(ctx context.Context, id OrderID) (*Order, error)
	ListByStation(ctx context.Context, stationID StationID, statuses ...TicketStatus) ([]Ticket, error)
	ForStation(ctx context.Context, stationID StationID) iter.Seq2[QueueEntry, error]
	ListStations(ctx context.Context) ([]Station, error)
	GetStation(ctx context.Context, id StationID) (*Station, error)
	Ping(ctx context.Context) error
}

type Options struct {
	Publisher Publisher
	// Location decides the calendar day ticket numbers restart on.
	Location *time.Location
}

type service struct {
	store      Store
	registry   StationRegistry
	queue      *QueueView
	dispatcher *Dispatcher
	lifecycle  *Controller
}

func NewService(store Store, opts Options) Service {
	registry := NewStationRegistry(store)
	queue := NewQueueView(store, registry)
	return &service{
		store:      store,
		registry:   registry,
		queue:      queue,
		dispatcher: NewDispatcher(store, registry, queue, opts.Publisher, opts.Location),
		lifecycle:  NewController(store, queue, opts.Publisher),
	}
}

func (s *service) Dispatch(ctx context.Context, order *Order) ([]Ticket, error) {
	return s.dispatcher.Dispatch(ctx, order)
}

func (s *service) AddItems(ctx context.Context, orderID OrderID, items []OrderItem) ([]Ticket, error) {
	return s.dispatcher.AddItems(ctx, orderID, items)
}

func (s *service) TransitionItem(ctx context.Context, ticketID TicketID, itemID TicketItemID, status ItemStatus, actor Actor) (*Ticket, error) {
	return s.lifecycle.TransitionItem(ctx, ticketID, itemID, status, actor)
}

func (s *service) GetTicket(ctx context.Context, id TicketID) (*Ticket, error) {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Stringer("ticket_id", id).Msg("service: ticket not found by id")
			return nil, ErrTicketNotFound
		}
		log.Error().Err(err).Stringer("ticket_id", id).Msg("service: failed to fetch ticket by id")
		return nil, fmt.Errorf("service: failed to fetch ticket by id: %w", err)
	}
	return t, nil
}

func (s *service) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Stringer("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}
	return o, nil
}

// ListByStation returns the station's tickets whose status is in statuses,
// oldest first. Without statuses only non-terminal tickets are returned.
func (s *service) ListByStation(ctx context.Context, stationID StationID, statuses ...TicketStatus) ([]Ticket, error) {
	if len(statuses) == 0 {
		statuses = ActiveTicketStatuses
	}
	for _, st := range statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("service: %w: ticket status %q", ErrInvalidStatus, st)
		}
	}
	if _, err := s.registry.Get(ctx, stationID); err != nil {
		return nil, err
	}

	tickets, err := s.store.ListTicketsByStation(ctx, stationID, statuses)
	if err != nil {
		log.Error().Err(err).Stringer("station_id", stationID).Msg("service: failed to list station tickets")
		return nil, fmt.Errorf("service: failed to list station tickets: %w", err)
	}
	return tickets, nil
}

func (s *service) ForStation(ctx context.Context, stationID StationID) iter.Seq2[QueueEntry, error] {
	return s.queue.ForStation(ctx, stationID)
}

func (s *service) ListStations(ctx context.Context) ([]Station, error) {
	return s.registry.ListActive(ctx)
}

func (s *service) GetStation(ctx context.Context, id StationID) (*Station, error) {
	return s.registry.Get(ctx, id)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping reports whether the store is reachable. Stores without a Ping method
// are always reachable.
func (s *service) Ping(ctx context.Context) error {
	p, ok := s.store.(pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return Unavailable("service: ping", err)
	}
	return nil
}
