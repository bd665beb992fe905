package kitchen_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
	"github.com/vasiliy-maslov/kitchen-dispatch/internal/storage/memory"
)

var (
	cocina = kitchen.Station{ID: uuid.Must(uuid.NewV4()), Code: "cocina", Name: "Cocina", Active: true, SortOrder: 1}
	bar    = kitchen.Station{ID: uuid.Must(uuid.NewV4()), Code: "bar", Name: "Bar", Active: true, SortOrder: 2}
	closed = kitchen.Station{ID: uuid.Must(uuid.NewV4()), Code: "terraza", Name: "Terraza", Active: false, SortOrder: 3}
)

type fixture struct {
	store     *faultyStore
	publisher *recordingPublisher
	svc       kitchen.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &faultyStore{Store: memory.NewStore(cocina, bar, closed)}
	pub := &recordingPublisher{}
	return &fixture{
		store:     store,
		publisher: pub,
		svc:       kitchen.NewService(store, kitchen.Options{Publisher: pub}),
	}
}

func newID() uuid.UUID {
	return uuid.Must(uuid.NewV4())
}

func item(station kitchen.Station, qty int) kitchen.OrderItem {
	return kitchen.OrderItem{ID: newID(), ProductID: newID(), StationID: station.ID, Quantity: qty}
}

func newOrder(items ...kitchen.OrderItem) *kitchen.Order {
	return &kitchen.Order{
		ID:     newID(),
		Number: "A-101",
		Total:  decimal.RequireFromString("24.50"),
		Items:  items,
	}
}

func (f *fixture) dispatch(t *testing.T, items ...kitchen.OrderItem) (*kitchen.Order, []kitchen.Ticket) {
	t.Helper()
	o := newOrder(items...)
	tickets, err := f.svc.Dispatch(context.Background(), o)
	require.NoError(t, err)
	return o, tickets
}

// walk moves a ticket item through each status in turn.
func (f *fixture) walk(t *testing.T, ticketID kitchen.TicketID, itemID kitchen.TicketItemID, statuses ...kitchen.ItemStatus) *kitchen.Ticket {
	t.Helper()
	var updated *kitchen.Ticket
	for _, st := range statuses {
		var err error
		updated, err = f.svc.TransitionItem(context.Background(), ticketID, itemID, st, kitchen.Actor{ID: "cook-1", Role: "cook"})
		require.NoError(t, err)
	}
	return updated
}

func ticketFor(t *testing.T, tickets []kitchen.Ticket, station kitchen.Station) kitchen.Ticket {
	t.Helper()
	for _, tk := range tickets {
		if tk.StationID == station.ID {
			return tk
		}
	}
	t.Fatalf("no ticket for station %s", station.Code)
	return kitchen.Ticket{}
}

var errConnReset = errors.New("connection reset by peer")

// faultyStore wraps the memory store and fails selected calls.
type faultyStore struct {
	kitchen.Store

	mu                 sync.Mutex
	createTicketCalls  int
	failCreateTicketAt int
	listErr            error
	// listGate, when set, holds every ListTicketsByStation call until it is
	// closed or the call's context ends. listEntered is signalled on entry.
	listGate    chan struct{}
	listEntered chan struct{}
}

func (f *faultyStore) InOrder(ctx context.Context, orderID kitchen.OrderID, fn func(ctx context.Context, tx kitchen.Tx) error) error {
	return f.Store.InOrder(ctx, orderID, func(ctx context.Context, tx kitchen.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, store: f})
	})
}

func (f *faultyStore) ListTicketsByStation(ctx context.Context, stationID kitchen.StationID, statuses []kitchen.TicketStatus) ([]kitchen.Ticket, error) {
	f.mu.Lock()
	err, gate, entered := f.listErr, f.listGate, f.listEntered
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, kitchen.Unavailable("test: list tickets", ctx.Err())
		}
	}
	return f.Store.ListTicketsByStation(ctx, stationID, statuses)
}

// holdLists makes ListTicketsByStation block until the returned func is
// called. The channel receives once per blocked call.
func (f *faultyStore) holdLists() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.listGate = gate
	f.listEntered = make(chan struct{}, 8)
	return f.listEntered, func() { close(gate) }
}

func (f *faultyStore) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

type faultyTx struct {
	kitchen.Tx
	store *faultyStore
}

func (t *faultyTx) CreateTicket(ctx context.Context, tk *kitchen.Ticket) error {
	t.store.mu.Lock()
	t.store.createTicketCalls++
	fail := t.store.createTicketCalls == t.store.failCreateTicketAt
	t.store.mu.Unlock()
	if fail {
		return kitchen.Unavailable("test: insert ticket", errConnReset)
	}
	return t.Tx.CreateTicket(ctx, tk)
}

type published struct {
	topic   string
	payload []byte
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{topic: topic, payload: payload})
	return nil
}

// eventTypes returns the event_type of every event published on topic.
func (p *recordingPublisher) eventTypes(t *testing.T, topic string) []string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, e := range p.events {
		if e.topic != topic {
			continue
		}
		var head struct {
			EventType string `json:"event_type"`
		}
		require.NoError(t, json.Unmarshal(e.payload, &head))
		types = append(types, head.EventType)
	}
	return types
}
