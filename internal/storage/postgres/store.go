// Package postgres is the PostgreSQL kitchen.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// numberConns bounds the pool that hands out ticket numbers.
const numberConns = 2

type Store struct {
	db *pgxpool.Pool
	// numbers serves only the single-statement ticket number allocation,
	// which never waits on a connection held by an order transaction.
	numbers *pgxpool.Pool
}

func NewStore(ctx context.Context, db *pgxpool.Pool) (*Store, error) {
	cfg := db.Config()
	cfg.MaxConns = numberConns
	cfg.MinConns = 0
	numbers, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to create ticket number pool: %w", err)
	}
	return &Store{db: db, numbers: numbers}, nil
}

// Close releases the ticket number pool. The main pool belongs to the caller.
func (s *Store) Close() {
	s.numbers.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// InOrder runs fn in a transaction holding a transaction-scoped advisory lock
// on orderID. The lock also covers orders that do not exist yet, which row
// locks cannot.
func (s *Store) InOrder(ctx context.Context, orderID kitchen.OrderID, fn func(ctx context.Context, tx kitchen.Tx) error) (err error) {
	tx, beginErr := s.db.Begin(ctx)
	if beginErr != nil {
		return kitchen.Unavailable("repository: failed to begin transaction", beginErr)
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Stringer("order_id", orderID).Msg("repository: panic recovered in order transaction, rolling back")
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", orderID).Msg("repository: failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			log.Debug().Err(err).Stringer("order_id", orderID).Msg("repository: order transaction failed, rolling back")
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.Error().Err(rbErr).Stringer("order_id", orderID).Msg("repository: failed to rollback transaction")
			}
		} else {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				log.Error().Err(commitErr).Stringer("order_id", orderID).Msg("repository: failed to commit transaction")
				err = classify("repository: failed to commit transaction", commitErr)
			}
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, orderID.String()); err != nil {
		return classify("repository: failed to lock order", err)
	}
	otx := &orderTx{
		tx:       tx,
		numbers:  s.numbers,
		orderID:  orderID,
		stations: make(map[kitchen.TicketID]kitchen.StationID),
		touched:  make(map[kitchen.StationID]bool),
	}
	if err = fn(ctx, otx); err != nil {
		return err
	}
	return otx.bumpStationVersions(ctx)
}

// bumpStationVersions runs last so the version rows stay locked only while
// the transaction commits. Rows are taken in id order to avoid deadlocks.
func (t *orderTx) bumpStationVersions(ctx context.Context) error {
	ids := make([]kitchen.StationID, 0, len(t.touched))
	for id := range t.touched {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b kitchen.StationID) int {
		return strings.Compare(a.String(), b.String())
	})

	for _, id := range ids {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO kitchen.station_versions (station_id, version)
			VALUES ($1, 1)
			ON CONFLICT (station_id) DO UPDATE SET version = kitchen.station_versions.version + 1
		`, id)
		if err != nil {
			return classify(fmt.Sprintf("repository: failed to bump version of station %s", id), err)
		}
	}
	return nil
}

func (s *Store) TicketOrder(ctx context.Context, id kitchen.TicketID) (kitchen.OrderID, error) {
	var orderID kitchen.OrderID
	err := s.db.QueryRow(ctx, `SELECT order_id FROM kitchen.tickets WHERE id = $1`, id).Scan(&orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderID, kitchen.ErrTicketNotFound
		}
		return orderID, classify(fmt.Sprintf("repository: failed to select order of ticket %s", id), err)
	}
	return orderID, nil
}

func (s *Store) GetTicket(ctx context.Context, id kitchen.TicketID) (*kitchen.Ticket, error) {
	t, err := scanTicket(s.db.QueryRow(ctx, `SELECT `+ticketColumns+` FROM kitchen.tickets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kitchen.ErrTicketNotFound
		}
		return nil, classify(fmt.Sprintf("repository: failed to select ticket %s", id), err)
	}
	if err := attachItems(ctx, s.db, []*kitchen.Ticket{t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) GetOrder(ctx context.Context, id kitchen.OrderID) (*kitchen.Order, error) {
	return selectOrder(ctx, s.db, id, false)
}

func (s *Store) ListTicketsByStation(ctx context.Context, stationID kitchen.StationID, statuses []kitchen.TicketStatus) ([]kitchen.Ticket, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	query := `
		SELECT ` + ticketColumns + `
		FROM kitchen.tickets
		WHERE station_id = $1 AND status = ANY($2)
		ORDER BY created_at, seq
	`
	return selectTickets(ctx, s.db, query, stationID, names)
}

func (s *Store) StationVersion(ctx context.Context, stationID kitchen.StationID) (int64, error) {
	var version int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE((SELECT version FROM kitchen.station_versions WHERE station_id = $1), 0)
	`, stationID).Scan(&version)
	if err != nil {
		return 0, classify(fmt.Sprintf("repository: failed to select version of station %s", stationID), err)
	}
	return version, nil
}

func (s *Store) ListStations(ctx context.Context) ([]kitchen.Station, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, code, name, active, sort_order
		FROM kitchen.stations
		ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, classify("repository: failed to query stations", err)
	}
	defer rows.Close()

	stations := make([]kitchen.Station, 0)
	for rows.Next() {
		var st kitchen.Station
		if err := rows.Scan(&st.ID, &st.Code, &st.Name, &st.Active, &st.SortOrder); err != nil {
			return nil, classify("repository: failed to scan station", err)
		}
		stations = append(stations, st)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("repository: error iterating stations", err)
	}
	return stations, nil
}

func (s *Store) GetStation(ctx context.Context, id kitchen.StationID) (*kitchen.Station, error) {
	var st kitchen.Station
	err := s.db.QueryRow(ctx, `
		SELECT id, code, name, active, sort_order
		FROM kitchen.stations
		WHERE id = $1
	`, id).Scan(&st.ID, &st.Code, &st.Name, &st.Active, &st.SortOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kitchen.ErrStationNotFound
		}
		return nil, classify(fmt.Sprintf("repository: failed to select station %s", id), err)
	}
	return &st, nil
}

// classify maps constraint violations onto domain errors and everything
// else onto ErrStoreUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			if pgErr.ConstraintName == "orders_pkey" {
				return fmt.Errorf("%s: %w", op, kitchen.ErrAlreadyDispatched)
			}
			return fmt.Errorf("%s: %w: duplicate key %s", op, kitchen.ErrInvalidOrder, pgErr.ConstraintName)
		case pgerrcode.ForeignKeyViolation:
			if strings.Contains(pgErr.ConstraintName, "station") {
				return fmt.Errorf("%s: %w", op, kitchen.ErrStationNotFound)
			}
			return fmt.Errorf("%s: %w: %s", op, kitchen.ErrNotFound, pgErr.ConstraintName)
		case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
			return fmt.Errorf("%s: %w: %s", op, kitchen.ErrInvalidOrder, pgErr.ConstraintName)
		}
	}
	return kitchen.Unavailable(op, err)
}
