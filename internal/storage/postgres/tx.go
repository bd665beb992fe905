package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
)

const ticketColumns = `id, number, to_char(day, 'YYYY-MM-DD'), seq, order_id, station_id, status, order_number, table_id, created_at, updated_at`

type orderTx struct {
	tx      pgx.Tx
	numbers *pgxpool.Pool
	orderID kitchen.OrderID

	// stations maps tickets seen in this transaction to their station;
	// touched holds the stations whose tickets were written.
	stations map[kitchen.TicketID]kitchen.StationID
	touched  map[kitchen.StationID]bool
}

// touch records a write to one of the order's tickets.
func (t *orderTx) touch(ctx context.Context, ticketID kitchen.TicketID) error {
	if st, ok := t.stations[ticketID]; ok {
		t.touched[st] = true
		return nil
	}
	var st kitchen.StationID
	err := t.tx.QueryRow(ctx, `SELECT station_id FROM kitchen.tickets WHERE id = $1 AND order_id = $2`, ticketID, t.orderID).Scan(&st)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return kitchen.ErrTicketNotFound
		}
		return classify(fmt.Sprintf("repository: failed to select station of ticket %s", ticketID), err)
	}
	t.stations[ticketID] = st
	t.touched[st] = true
	return nil
}

func (t *orderTx) Order(ctx context.Context) (*kitchen.Order, error) {
	return selectOrder(ctx, t.tx, t.orderID, true)
}

func (t *orderTx) CreateOrder(ctx context.Context, o *kitchen.Order) error {
	if o.ID != t.orderID {
		return fmt.Errorf("repository: order %s is outside transaction of %s: %w", o.ID, t.orderID, kitchen.ErrInvalidOrder)
	}

	query := `
		INSERT INTO kitchen.orders (id, number, table_id, status, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, CAST($5::text AS numeric), $6, $7)
	`
	_, err := t.tx.Exec(ctx, query,
		o.ID,
		o.Number,
		o.TableID,
		string(o.Status),
		o.Total.String(),
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		return classify(fmt.Sprintf("repository: failed to insert order %s", o.ID), err)
	}
	return t.insertOrderItems(ctx, o.Items)
}

func (t *orderTx) AddOrderItems(ctx context.Context, items []kitchen.OrderItem) error {
	if err := t.insertOrderItems(ctx, items); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `UPDATE kitchen.orders SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), t.orderID)
	if err != nil {
		return classify(fmt.Sprintf("repository: failed to touch order %s", t.orderID), err)
	}
	return nil
}

func (t *orderTx) insertOrderItems(ctx context.Context, items []kitchen.OrderItem) error {
	query := `
		INSERT INTO kitchen.order_items (id, order_id, product_id, station_id, quantity, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(query, it.ID, t.orderID, it.ProductID, it.StationID, it.Quantity, it.Notes, string(it.Status))
	}
	return t.sendBatch(ctx, batch, "repository: failed to insert order item")
}

func (t *orderTx) UpdateOrderStatus(ctx context.Context, status kitchen.OrderStatus) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE kitchen.orders
		SET status = $1, updated_at = $2
		WHERE id = $3
	`, string(status), time.Now().UTC(), t.orderID)
	if err != nil {
		return classify(fmt.Sprintf("repository: failed to update order status %s", t.orderID), err)
	}
	if cmdTag.RowsAffected() == 0 {
		return kitchen.ErrOrderNotFound
	}
	return nil
}

func (t *orderTx) UpdateOrderItemStatus(ctx context.Context, id kitchen.OrderItemID, status kitchen.ItemStatus) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE kitchen.order_items
		SET status = $1
		WHERE id = $2 AND order_id = $3
	`, string(status), id, t.orderID)
	if err != nil {
		return classify(fmt.Sprintf("repository: failed to update order item status %s", id), err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("repository: order item %s: %w", id, kitchen.ErrNotFound)
	}
	return nil
}

func (t *orderTx) Tickets(ctx context.Context) ([]kitchen.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM kitchen.tickets
		WHERE order_id = $1
		ORDER BY created_at, seq
	`
	tickets, err := selectTickets(ctx, t.tx, query, t.orderID)
	if err != nil {
		return nil, err
	}
	for _, tk := range tickets {
		t.stations[tk.ID] = tk.StationID
	}
	return tickets, nil
}

func (t *orderTx) LockTicket(ctx context.Context, id kitchen.TicketID) (*kitchen.Ticket, error) {
	query := `
		SELECT ` + ticketColumns + `
		FROM kitchen.tickets
		WHERE id = $1 AND order_id = $2
		FOR UPDATE
	`
	tk, err := scanTicket(t.tx.QueryRow(ctx, query, id, t.orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kitchen.ErrTicketNotFound
		}
		return nil, classify(fmt.Sprintf("repository: failed to lock ticket %s", id), err)
	}
	if err := attachItems(ctx, t.tx, []*kitchen.Ticket{tk}); err != nil {
		return nil, err
	}
	t.stations[tk.ID] = tk.StationID
	return tk, nil
}

func (t *orderTx) CreateTicket(ctx context.Context, tk *kitchen.Ticket) error {
	if len(tk.Items) == 0 {
		return kitchen.ErrInvalidTicket
	}

	// Numbers come from their own pool and commit at once, so the counter row
	// is locked for this statement only. A number taken by a transaction that
	// later rolls back is not reused.
	err := t.numbers.QueryRow(ctx, `
		INSERT INTO kitchen.ticket_counters (day, last_number)
		VALUES (CAST($1::text AS date), 1)
		ON CONFLICT (day) DO UPDATE SET last_number = kitchen.ticket_counters.last_number + 1
		RETURNING last_number
	`, tk.Day).Scan(&tk.Number)
	if err != nil {
		return classify(fmt.Sprintf("repository: failed to allocate ticket number for %s", tk.Day), err)
	}

	err = t.tx.QueryRow(ctx, `
		INSERT INTO kitchen.tickets (id, number, day, order_id, station_id, status, order_number, table_id, created_at, updated_at)
		VALUES ($1, $2, CAST($3::text AS date), $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq
	`,
		tk.ID,
		tk.Number,
		tk.Day,
		tk.OrderID,
		tk.StationID,
		string(tk.Status),
		tk.OrderNumber,
		tk.TableID,
		tk.CreatedAt,
		tk.UpdatedAt,
	).Scan(&tk.Seq)
	if err != nil {
		return classify(fmt.Sprintf("repository: failed to insert ticket %s", tk.ID), err)
	}

	for i := range tk.Items {
		tk.Items[i].TicketID = tk.ID
	}
	if err := t.insertTicketItems(ctx, tk.ID, tk.Items); err != nil {
		return err
	}
	t.stations[tk.ID] = tk.StationID
	t.touched[tk.StationID] = true
	return nil
}

func (t *orderTx) AppendTicketItems(ctx context.Context, ticketID kitchen.TicketID, items []kitchen.TicketItem) error {
	if err := t.insertTicketItems(ctx, ticketID, items); err != nil {
		return err
	}
	return t.touch(ctx, ticketID)
}

func (t *orderTx) insertTicketItems(ctx context.Context, ticketID kitchen.TicketID, items []kitchen.TicketItem) error {
	query := `
		INSERT INTO kitchen.ticket_items (id, ticket_id, order_item_id, product_id, quantity, notes, status, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(query, it.ID, ticketID, it.OrderItemID, it.ProductID, it.Quantity, it.Notes, string(it.Status), it.UpdatedBy, it.UpdatedAt)
	}
	return t.sendBatch(ctx, batch, "repository: failed to insert ticket item")
}

func (t *orderTx) UpdateTicketItem(ctx context.Context, item kitchen.TicketItem) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE kitchen.ticket_items
		SET status = $1, updated_by = $2, updated_at = $3
		WHERE id = $4 AND ticket_id = $5
	`, string(item.Status), item.UpdatedBy, item.UpdatedAt, item.ID, item.TicketID)
	if err != nil {
		return classify(fmt.Sprintf("repository: failed to update ticket item %s", item.ID), err)
	}
	if cmdTag.RowsAffected() == 0 {
		return kitchen.ErrItemNotFound
	}
	return t.touch(ctx, item.TicketID)
}

func (t *orderTx) UpdateTicketStatus(ctx context.Context, id kitchen.TicketID, status kitchen.TicketStatus, at time.Time) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE kitchen.tickets
		SET status = $1, updated_at = $2
		WHERE id = $3 AND order_id = $4
	`, string(status), at, id, t.orderID)
	if err != nil {
		return classify(fmt.Sprintf("repository: failed to update ticket status %s", id), err)
	}
	if cmdTag.RowsAffected() == 0 {
		return kitchen.ErrTicketNotFound
	}
	return t.touch(ctx, id)
}

func (t *orderTx) sendBatch(ctx context.Context, batch *pgx.Batch, op string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := t.tx.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return classify(op, err)
		}
	}
	if err := br.Close(); err != nil {
		return classify(op, err)
	}
	return nil
}

func selectOrder(ctx context.Context, q querier, id kitchen.OrderID, forUpdate bool) (*kitchen.Order, error) {
	query := `
		SELECT id, number, table_id, status, total::text, created_at, updated_at
		FROM kitchen.orders
		WHERE id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		o     kitchen.Order
		total string
	)
	err := q.QueryRow(ctx, query, id).Scan(&o.ID, &o.Number, &o.TableID, &o.Status, &total, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kitchen.ErrOrderNotFound
		}
		return nil, classify(fmt.Sprintf("repository: failed to select order %s", id), err)
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("repository: failed to parse total of order %s: %w", id, err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, station_id, quantity, notes, status
		FROM kitchen.order_items
		WHERE order_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, classify(fmt.Sprintf("repository: failed to query order items for order %s", id), err)
	}
	defer rows.Close()

	o.Items = make([]kitchen.OrderItem, 0)
	for rows.Next() {
		var it kitchen.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.StationID, &it.Quantity, &it.Notes, &it.Status); err != nil {
			return nil, classify(fmt.Sprintf("repository: failed to scan order item for order %s", id), err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Sprintf("repository: error iterating order items for order %s", id), err)
	}
	return &o, nil
}

func scanTicket(row pgx.Row) (*kitchen.Ticket, error) {
	var t kitchen.Ticket
	err := row.Scan(
		&t.ID,
		&t.Number,
		&t.Day,
		&t.Seq,
		&t.OrderID,
		&t.StationID,
		&t.Status,
		&t.OrderNumber,
		&t.TableID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func selectTickets(ctx context.Context, q querier, query string, args ...any) ([]kitchen.Ticket, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("repository: failed to query tickets", err)
	}
	defer rows.Close()

	var ptrs []*kitchen.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, classify("repository: failed to scan ticket", err)
		}
		ptrs = append(ptrs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("repository: error iterating tickets", err)
	}
	rows.Close()

	if err := attachItems(ctx, q, ptrs); err != nil {
		return nil, err
	}
	tickets := make([]kitchen.Ticket, 0, len(ptrs))
	for _, t := range ptrs {
		tickets = append(tickets, *t)
	}
	return tickets, nil
}

// attachItems loads the items of all tickets with one query.
func attachItems(ctx context.Context, q querier, tickets []*kitchen.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	byID := make(map[kitchen.TicketID]*kitchen.Ticket, len(tickets))
	ids := make([]string, 0, len(tickets))
	for _, t := range tickets {
		t.Items = make([]kitchen.TicketItem, 0)
		byID[t.ID] = t
		ids = append(ids, t.ID.String())
	}

	rows, err := q.Query(ctx, `
		SELECT id, ticket_id, order_item_id, product_id, quantity, notes, status, updated_by, updated_at
		FROM kitchen.ticket_items
		WHERE ticket_id = ANY($1::uuid[])
		ORDER BY seq
	`, ids)
	if err != nil {
		return classify("repository: failed to query ticket items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it kitchen.TicketItem
		err := rows.Scan(
			&it.ID,
			&it.TicketID,
			&it.OrderItemID,
			&it.ProductID,
			&it.Quantity,
			&it.Notes,
			&it.Status,
			&it.UpdatedBy,
			&it.UpdatedAt,
		)
		if err != nil {
			return classify("repository: failed to scan ticket item", err)
		}
		if t, ok := byID[it.TicketID]; ok {
			t.Items = append(t.Items, it)
		}
	}
	if err := rows.Err(); err != nil {
		return classify("repository: error iterating ticket items", err)
	}
	return nil
}
