// Package memory is an in-process kitchen.Store used by tests and by local
// runs without PostgreSQL.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
)

// Store keeps committed records behind mu. Writers hold a per-order lock for
// the whole transaction and take mu only to assign numbers and to commit, so
// readers never wait on an open transaction.
type Store struct {
	mu       sync.RWMutex
	stations map[kitchen.StationID]kitchen.Station
	orders   map[kitchen.OrderID]kitchen.Order
	tickets  map[kitchen.TicketID]kitchen.Ticket
	byOrder  map[kitchen.OrderID][]kitchen.TicketID
	counters map[string]int
	versions map[kitchen.StationID]int64
	seq      int64

	locksMu sync.Mutex
	locks   map[kitchen.OrderID]*orderLock
}

type orderLock struct {
	ch   chan struct{}
	refs int
}

func NewStore(stations ...kitchen.Station) *Store {
	s := &Store{
		stations: make(map[kitchen.StationID]kitchen.Station),
		orders:   make(map[kitchen.OrderID]kitchen.Order),
		tickets:  make(map[kitchen.TicketID]kitchen.Ticket),
		byOrder:  make(map[kitchen.OrderID][]kitchen.TicketID),
		counters: make(map[string]int),
		versions: make(map[kitchen.StationID]int64),
		locks:    make(map[kitchen.OrderID]*orderLock),
	}
	for _, st := range stations {
		s.stations[st.ID] = st
	}
	return s
}

// PutStation adds or replaces a station.
func (s *Store) PutStation(st kitchen.Station) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations[st.ID] = st
}

func (s *Store) lockOrder(ctx context.Context, id kitchen.OrderID) (func(), error) {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &orderLock{ch: make(chan struct{}, 1)}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	release := func() {
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.locksMu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, kitchen.Unavailable("memory: waiting for order lock", ctx.Err())
	}
}

func (s *Store) InOrder(ctx context.Context, orderID kitchen.OrderID, fn func(ctx context.Context, tx kitchen.Tx) error) (err error) {
	unlock, err := s.lockOrder(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	t := s.begin(orderID)
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Stringer("order_id", orderID).Msg("memory: panic recovered in transaction, discarding changes")
			panic(p)
		}
	}()

	if err = fn(ctx, t); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) begin(orderID kitchen.OrderID) *tx {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := &tx{
		store:   s,
		orderID: orderID,
		tickets: make(map[kitchen.TicketID]*kitchen.Ticket),
		touched: make(map[kitchen.StationID]bool),
	}
	if o, ok := s.orders[orderID]; ok {
		c := o.Clone()
		t.order = &c
	}
	for _, id := range s.byOrder[orderID] {
		c := s.tickets[id].Clone()
		t.tickets[id] = &c
	}
	return t
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.order != nil {
		s.orders[t.orderID] = t.order.Clone()
	}
	for id, tk := range t.tickets {
		if _, ok := s.tickets[id]; !ok {
			s.byOrder[t.orderID] = append(s.byOrder[t.orderID], id)
		}
		s.tickets[id] = tk.Clone()
	}
	for id := range t.touched {
		s.versions[id]++
	}
}

// nextNumber hands out the display number and sequence of a new ticket.
// Numbers taken by a transaction that later fails are not reused.
func (s *Store) nextNumber(day string) (int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[day]++
	s.seq++
	return s.counters[day], s.seq
}

func (s *Store) TicketOrder(_ context.Context, id kitchen.TicketID) (kitchen.OrderID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return kitchen.OrderID{}, kitchen.ErrTicketNotFound
	}
	return t.OrderID, nil
}

func (s *Store) GetTicket(_ context.Context, id kitchen.TicketID) (*kitchen.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, kitchen.ErrTicketNotFound
	}
	c := t.Clone()
	return &c, nil
}

func (s *Store) GetOrder(_ context.Context, id kitchen.OrderID) (*kitchen.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, kitchen.ErrOrderNotFound
	}
	c := o.Clone()
	return &c, nil
}

func (s *Store) ListTicketsByStation(_ context.Context, stationID kitchen.StationID, statuses []kitchen.TicketStatus) ([]kitchen.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []kitchen.Ticket
	for _, t := range s.tickets {
		if t.StationID == stationID && slices.Contains(statuses, t.Status) {
			out = append(out, t.Clone())
		}
	}
	sortTickets(out)
	return out, nil
}

func (s *Store) StationVersion(_ context.Context, stationID kitchen.StationID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[stationID], nil
}

func (s *Store) ListStations(_ context.Context) ([]kitchen.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]kitchen.Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b kitchen.Station) int {
		return cmp.Or(cmp.Compare(a.SortOrder, b.SortOrder), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

func (s *Store) GetStation(_ context.Context, id kitchen.StationID) (*kitchen.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stations[id]
	if !ok {
		return nil, kitchen.ErrStationNotFound
	}
	return &st, nil
}

func (s *Store) hasStation(id kitchen.StationID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stations[id]
	return ok
}

func sortTickets(tickets []kitchen.Ticket) {
	slices.SortFunc(tickets, func(a, b kitchen.Ticket) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Seq, b.Seq))
	})
}

// tx stages every change of one order until commit.
type tx struct {
	store   *Store
	orderID kitchen.OrderID
	order   *kitchen.Order
	tickets map[kitchen.TicketID]*kitchen.Ticket
	// touched holds the stations whose tickets were written.
	touched map[kitchen.StationID]bool
}

func (t *tx) Order(_ context.Context) (*kitchen.Order, error) {
	if t.order == nil {
		return nil, kitchen.ErrOrderNotFound
	}
	c := t.order.Clone()
	return &c, nil
}

func (t *tx) CreateOrder(_ context.Context, o *kitchen.Order) error {
	if o.ID != t.orderID {
		return fmt.Errorf("memory: order %s is outside transaction of %s: %w", o.ID, t.orderID, kitchen.ErrInvalidOrder)
	}
	if t.order != nil {
		return kitchen.ErrAlreadyDispatched
	}
	c := o.Clone()
	t.order = &c
	return nil
}

func (t *tx) AddOrderItems(_ context.Context, items []kitchen.OrderItem) error {
	if t.order == nil {
		return kitchen.ErrOrderNotFound
	}
	t.order.Items = append(t.order.Items, items...)
	t.order.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) UpdateOrderStatus(_ context.Context, status kitchen.OrderStatus) error {
	if t.order == nil {
		return kitchen.ErrOrderNotFound
	}
	t.order.Status = status
	t.order.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) UpdateOrderItemStatus(_ context.Context, id kitchen.OrderItemID, status kitchen.ItemStatus) error {
	if t.order == nil {
		return kitchen.ErrOrderNotFound
	}
	for i := range t.order.Items {
		if t.order.Items[i].ID == id {
			t.order.Items[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("memory: order item %s: %w", id, kitchen.ErrNotFound)
}

func (t *tx) Tickets(_ context.Context) ([]kitchen.Ticket, error) {
	out := make([]kitchen.Ticket, 0, len(t.tickets))
	for _, tk := range t.tickets {
		out = append(out, tk.Clone())
	}
	sortTickets(out)
	return out, nil
}

// LockTicket needs no lock of its own: a ticket belongs to exactly one order
// and the order lock is already held.
func (t *tx) LockTicket(_ context.Context, id kitchen.TicketID) (*kitchen.Ticket, error) {
	tk, ok := t.tickets[id]
	if !ok {
		return nil, kitchen.ErrTicketNotFound
	}
	c := tk.Clone()
	return &c, nil
}

func (t *tx) CreateTicket(_ context.Context, tk *kitchen.Ticket) error {
	if len(tk.Items) == 0 {
		return kitchen.ErrInvalidTicket
	}
	if t.order == nil || tk.OrderID != t.orderID {
		return kitchen.ErrOrderNotFound
	}
	if !t.store.hasStation(tk.StationID) {
		return kitchen.ErrStationNotFound
	}
	if _, ok := t.tickets[tk.ID]; ok {
		return fmt.Errorf("memory: ticket %s: %w", tk.ID, kitchen.ErrAlreadyDispatched)
	}

	tk.Number, tk.Seq = t.store.nextNumber(tk.Day)
	for i := range tk.Items {
		tk.Items[i].TicketID = tk.ID
	}
	c := tk.Clone()
	t.tickets[tk.ID] = &c
	t.touched[tk.StationID] = true
	return nil
}

func (t *tx) AppendTicketItems(_ context.Context, ticketID kitchen.TicketID, items []kitchen.TicketItem) error {
	tk, ok := t.tickets[ticketID]
	if !ok {
		return kitchen.ErrTicketNotFound
	}
	for _, it := range items {
		it.TicketID = ticketID
		tk.Items = append(tk.Items, it)
	}
	t.touched[tk.StationID] = true
	return nil
}

func (t *tx) UpdateTicketItem(_ context.Context, item kitchen.TicketItem) error {
	tk, ok := t.tickets[item.TicketID]
	if !ok {
		return kitchen.ErrTicketNotFound
	}
	cur, ok := tk.Item(item.ID)
	if !ok {
		return kitchen.ErrItemNotFound
	}
	cur.Status = item.Status
	cur.UpdatedBy = item.UpdatedBy
	cur.UpdatedAt = item.UpdatedAt
	t.touched[tk.StationID] = true
	return nil
}

func (t *tx) UpdateTicketStatus(_ context.Context, id kitchen.TicketID, status kitchen.TicketStatus, at time.Time) error {
	tk, ok := t.tickets[id]
	if !ok {
		return kitchen.ErrTicketNotFound
	}
	tk.Status = status
	tk.UpdatedAt = at
	t.touched[tk.StationID] = true
	return nil
}
