package kitchen_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
)

func TestDispatch_OneTicketPerStation(t *testing.T) {
	f := newFixture(t)
	o := newOrder(item(cocina, 1), item(bar, 2), item(cocina, 3))

	got, err := f.svc.Dispatch(context.Background(), o)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, cocina.ID, got[0].StationID, "stations keep order of first appearance")
	assert.Equal(t, bar.ID, got[1].StationID)

	routed := make(map[kitchen.OrderItemID]int)
	for _, tk := range got {
		assert.Equal(t, kitchen.TicketOpen, tk.Status)
		assert.Equal(t, o.ID, tk.OrderID)
		assert.Equal(t, "A-101", tk.OrderNumber)
		assert.NotZero(t, tk.Number)
		for _, it := range tk.Items {
			routed[it.OrderItemID]++
			assert.Equal(t, kitchen.ItemPending, it.Status)
			assert.Equal(t, tk.ID, it.TicketID)
		}
	}
	require.Len(t, routed, len(o.Items), "every order item is routed")
	for _, oi := range o.Items {
		assert.Equal(t, 1, routed[oi.ID], "order item %s routed exactly once", oi.ID)
	}

	for _, tk := range got {
		for _, it := range tk.Items {
			for _, oi := range o.Items {
				if oi.ID == it.OrderItemID {
					assert.Equal(t, oi.StationID, tk.StationID)
					assert.Equal(t, oi.Quantity, it.Quantity)
				}
			}
		}
	}

	stored, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, kitchen.OrderOpen, stored.Status)
	assert.True(t, o.Total.Equal(stored.Total))
	assert.Len(t, stored.Items, 3)

	assert.Equal(t, []string{kitchen.EventTicketCreated, kitchen.EventTicketCreated}, f.publisher.eventTypes(t, kitchen.TicketsTopic))
}

func TestDispatch_Validation(t *testing.T) {
	tests := []struct {
		name      string
		order     func() *kitchen.Order
		wantErrIs error
	}{
		{
			name:      "nil_order",
			order:     func() *kitchen.Order { return nil },
			wantErrIs: kitchen.ErrInvalidOrder,
		},
		{
			name:      "no_items",
			order:     func() *kitchen.Order { return newOrder() },
			wantErrIs: kitchen.ErrInvalidTicket,
		},
		{
			name:      "zero_quantity",
			order:     func() *kitchen.Order { return newOrder(item(cocina, 0)) },
			wantErrIs: kitchen.ErrInvalidOrder,
		},
		{
			name: "nil_product",
			order: func() *kitchen.Order {
				it := item(cocina, 1)
				it.ProductID = kitchen.ProductID{}
				return newOrder(it)
			},
			wantErrIs: kitchen.ErrInvalidOrder,
		},
		{
			name: "duplicate_item",
			order: func() *kitchen.Order {
				it := item(cocina, 1)
				return newOrder(it, it)
			},
			wantErrIs: kitchen.ErrInvalidOrder,
		},
		{
			name:      "unknown_station",
			order:     func() *kitchen.Order { return newOrder(item(cocina, 1), item(kitchen.Station{ID: newID()}, 1)) },
			wantErrIs: kitchen.ErrRouting,
		},
		{
			name:      "inactive_station",
			order:     func() *kitchen.Order { return newOrder(item(bar, 1), item(closed, 1)) },
			wantErrIs: kitchen.ErrRouting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := tt.order()

			got, err := f.svc.Dispatch(context.Background(), o)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErrIs)
			assert.Nil(t, got)

			if o != nil {
				_, err = f.svc.GetOrder(context.Background(), o.ID)
				assert.ErrorIs(t, err, kitchen.ErrNotFound, "nothing is stored")
			}
			for _, st := range []kitchen.Station{cocina, bar} {
				queued, err := f.svc.ListByStation(context.Background(), st.ID)
				require.NoError(t, err)
				assert.Empty(t, queued)
			}
		})
	}
}

func TestDispatch_RoutingErrorNamesItem(t *testing.T) {
	f := newFixture(t)
	bad := item(closed, 1)
	o := newOrder(item(cocina, 1), bad)

	_, err := f.svc.Dispatch(context.Background(), o)

	var routing *kitchen.RoutingError
	require.ErrorAs(t, err, &routing)
	assert.Equal(t, bad.ID, routing.ItemID)
	assert.Equal(t, closed.ID, routing.StationID)
	assert.ErrorIs(t, err, kitchen.ErrNotFound)
}

func TestDispatch_AlreadyDispatched(t *testing.T) {
	f := newFixture(t)
	o, first := f.dispatch(t, item(cocina, 1), item(bar, 1))

	again, err := f.svc.Dispatch(context.Background(), o)
	require.Error(t, err)
	assert.ErrorIs(t, err, kitchen.ErrAlreadyDispatched)
	assert.Nil(t, again)

	for _, tk := range first {
		queued, err := f.svc.ListByStation(context.Background(), tk.StationID)
		require.NoError(t, err)
		assert.Len(t, queued, 1, "no new tickets for station %s", tk.StationID)
	}
}

func TestDispatch_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.store.failCreateTicketAt = 2
	o := newOrder(item(cocina, 1), item(bar, 1))

	_, err := f.svc.Dispatch(context.Background(), o)
	require.Error(t, err)
	assert.ErrorIs(t, err, kitchen.ErrStoreUnavailable)
	assert.ErrorIs(t, err, errConnReset)

	_, err = f.svc.GetOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, kitchen.ErrOrderNotFound)
	queued, err := f.svc.ListByStation(context.Background(), cocina.ID)
	require.NoError(t, err)
	assert.Empty(t, queued, "first ticket of the batch is rolled back")
	assert.Empty(t, f.publisher.eventTypes(t, kitchen.TicketsTopic))

	// The same order can be dispatched once the store recovers.
	got, err := f.svc.Dispatch(context.Background(), o)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDispatch_NumbersIncrease(t *testing.T) {
	f := newFixture(t)
	seen := make(map[int]bool)
	last := 0
	for range 5 {
		_, got := f.dispatch(t, item(cocina, 1), item(bar, 1))
		for _, tk := range got {
			assert.False(t, seen[tk.Number], "number %d reused", tk.Number)
			seen[tk.Number] = true
			assert.Greater(t, tk.Number, last)
			last = tk.Number
		}
	}
}

func TestDispatch_PublishFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("nats: connection closed")

	o := newOrder(item(cocina, 1))
	got, err := f.svc.Dispatch(context.Background(), o)
	require.NoError(t, err)
	require.Len(t, got, 1)

	stored, err := f.svc.GetTicket(context.Background(), got[0].ID)
	require.NoError(t, err)
	assert.Equal(t, got[0].ID, stored.ID)
}

func TestAddItems(t *testing.T) {
	f := newFixture(t)
	o, first := f.dispatch(t, item(cocina, 1))
	kitchenTicket := first[0]

	extraCocina := item(cocina, 2)
	extraBar := item(bar, 1)
	touched, err := f.svc.AddItems(context.Background(), o.ID, []kitchen.OrderItem{extraCocina, extraBar})
	require.NoError(t, err)
	require.Len(t, touched, 2)

	appended := ticketFor(t, touched, cocina)
	assert.Equal(t, kitchenTicket.ID, appended.ID, "items join the open ticket of their station")
	assert.Len(t, appended.Items, 2)
	assert.Equal(t, kitchenTicket.Number, appended.Number)

	created := ticketFor(t, touched, bar)
	assert.NotEqual(t, kitchenTicket.ID, created.ID)
	require.Len(t, created.Items, 1)
	assert.Equal(t, extraBar.ID, created.Items[0].OrderItemID)

	stored, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 3)

	assert.Equal(t,
		[]string{kitchen.EventTicketCreated, kitchen.EventTicketItemsAdded, kitchen.EventTicketCreated},
		f.publisher.eventTypes(t, kitchen.TicketsTopic))
}

func TestAddItems_ReopensReadyTicket(t *testing.T) {
	f := newFixture(t)
	o, got := f.dispatch(t, item(cocina, 1))
	tk := got[0]
	f.walk(t, tk.ID, tk.Items[0].ID, kitchen.ItemPreparing, kitchen.ItemReady)

	touched, err := f.svc.AddItems(context.Background(), o.ID, []kitchen.OrderItem{item(cocina, 1)})
	require.NoError(t, err)
	require.Len(t, touched, 1)
	assert.Equal(t, tk.ID, touched[0].ID)
	assert.Equal(t, kitchen.TicketInPreparation, touched[0].Status)

	stored, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, kitchen.OrderInPreparation, stored.Status)
}

func TestAddItems_NewTicketAfterDelivery(t *testing.T) {
	f := newFixture(t)
	o, got := f.dispatch(t, item(cocina, 1))
	tk := got[0]
	f.walk(t, tk.ID, tk.Items[0].ID, kitchen.ItemPreparing, kitchen.ItemReady, kitchen.ItemDelivered)

	touched, err := f.svc.AddItems(context.Background(), o.ID, []kitchen.OrderItem{item(cocina, 1)})
	require.NoError(t, err)
	require.Len(t, touched, 1)
	assert.NotEqual(t, tk.ID, touched[0].ID)
	assert.Greater(t, touched[0].Number, tk.Number)
	assert.Equal(t, kitchen.TicketOpen, touched[0].Status)

	stored, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, kitchen.OrderOpen, stored.Status, "one delivered ticket and one open ticket")
}

func TestAddItems_ReplayAddsNothing(t *testing.T) {
	f := newFixture(t)
	o, _ := f.dispatch(t, item(cocina, 1))
	extra := []kitchen.OrderItem{item(cocina, 2), item(bar, 1)}

	first, err := f.svc.AddItems(context.Background(), o.ID, append([]kitchen.OrderItem(nil), extra...))
	require.NoError(t, err)
	eventsBefore := len(f.publisher.eventTypes(t, kitchen.TicketsTopic))

	again, err := f.svc.AddItems(context.Background(), o.ID, append([]kitchen.OrderItem(nil), extra...))
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, ticketFor(t, first, cocina).ID, ticketFor(t, again, cocina).ID)
	assert.Equal(t, ticketFor(t, first, bar).ID, ticketFor(t, again, bar).ID)
	assert.Len(t, ticketFor(t, again, cocina).Items, 2)

	stored, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 3)
	assert.Len(t, f.publisher.eventTypes(t, kitchen.TicketsTopic), eventsBefore, "a replay publishes nothing")
}

func TestAddItems_Errors(t *testing.T) {
	f := newFixture(t)
	o, _ := f.dispatch(t, item(cocina, 1))

	tests := []struct {
		name      string
		orderID   kitchen.OrderID
		items     []kitchen.OrderItem
		wantErrIs error
	}{
		{"unknown_order", newID(), []kitchen.OrderItem{item(cocina, 1)}, kitchen.ErrNotFound},
		{"no_items", o.ID, nil, kitchen.ErrInvalidTicket},
		{"inactive_station", o.ID, []kitchen.OrderItem{item(closed, 1)}, kitchen.ErrRouting},
		{"partly_existing_items", o.ID, []kitchen.OrderItem{o.Items[0], item(cocina, 1)}, kitchen.ErrInvalidOrder},
		{"existing_id_other_contents", o.ID, []kitchen.OrderItem{{ID: o.Items[0].ID, ProductID: newID(), StationID: cocina.ID, Quantity: 1}}, kitchen.ErrInvalidOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AddItems(context.Background(), tt.orderID, tt.items)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErrIs)
		})
	}

	stored, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 1)
}
