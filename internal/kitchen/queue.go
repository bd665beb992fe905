package kitchen

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// QueueEntry is one outstanding ticket as shown on a kitchen display.
type QueueEntry struct {
	Ticket TicketSummary `json:"ticket"`
	Items  []ItemSummary `json:"items"`
}

type TicketSummary struct {
	ID          TicketID     `json:"id"`
	Number      int          `json:"number"`
	OrderID     OrderID      `json:"order_id"`
	OrderNumber string       `json:"order_number,omitempty"`
	TableID     string       `json:"table_id,omitempty"`
	StationID   StationID    `json:"station_id"`
	Status      TicketStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
}

type ItemSummary struct {
	ID        TicketItemID `json:"id"`
	ProductID ProductID    `json:"product_id"`
	Quantity  int          `json:"quantity"`
	Notes     string       `json:"notes,omitempty"`
	Status    ItemStatus   `json:"status"`
}

// loadTimeout bounds a shared queue load, which outlives any one caller.
const loadTimeout = 5 * time.Second

// QueueView serves per-station queues of non-terminal tickets. A loaded
// queue is kept together with the store's station version it was read at
// and is served again only while that version is current, so writes made
// through any process sharing the store are seen on the next read.
type QueueView struct {
	store    Store
	stations StationRegistry

	mu    sync.RWMutex
	cache map[StationID]cachedQueue
	group singleflight.Group
}

type cachedQueue struct {
	version int64
	entries []QueueEntry
}

func NewQueueView(store Store, stations StationRegistry) *QueueView {
	return &QueueView{
		store:    store,
		stations: stations,
		cache:    make(map[StationID]cachedQueue),
	}
}

// Invalidate drops the cached queues of the given stations.
func (q *QueueView) Invalidate(stations ...StationID) {
	if len(stations) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range stations {
		delete(q.cache, id)
	}
}

// ForStation returns the station's queue, oldest ticket first. Nothing is
// read until the sequence is ranged over, and every range reads again, so
// the sequence can be reused for polling. A failed load yields one error.
func (q *QueueView) ForStation(ctx context.Context, stationID StationID) iter.Seq2[QueueEntry, error] {
	return func(yield func(QueueEntry, error) bool) {
		entries, err := q.load(ctx, stationID)
		if err != nil {
			yield(QueueEntry{}, err)
			return
		}
		for _, e := range entries {
			e.Items = append([]ItemSummary(nil), e.Items...)
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (q *QueueView) load(ctx context.Context, stationID StationID) ([]QueueEntry, error) {
	version, err := q.store.StationVersion(ctx, stationID)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to read version of station %s: %w", stationID, err)
	}

	q.mu.RLock()
	cached, ok := q.cache[stationID]
	q.mu.RUnlock()
	if ok && cached.version == version {
		return cached.entries, nil
	}

	// Readers join a load only for the version they observed. The load runs
	// detached from the first caller, so one caller giving up does not fail
	// the others.
	key := fmt.Sprintf("%s/%d", stationID, version)
	ch := q.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return q.fetch(loadCtx, stationID, version)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]QueueEntry), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("queue: station %s: %w", stationID, ctx.Err())
	}
}

// fetch reads the station's queue. The read happens after version was
// observed, so the entries are at least as new as version.
func (q *QueueView) fetch(ctx context.Context, stationID StationID, version int64) ([]QueueEntry, error) {
	if _, err := q.stations.Get(ctx, stationID); err != nil {
		return nil, err
	}
	tickets, err := q.store.ListTicketsByStation(ctx, stationID, ActiveTicketStatuses)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to load station %s: %w", stationID, err)
	}

	loaded := make([]QueueEntry, 0, len(tickets))
	for i := range tickets {
		loaded = append(loaded, summarize(&tickets[i]))
	}

	q.mu.Lock()
	if cur, ok := q.cache[stationID]; !ok || cur.version <= version {
		q.cache[stationID] = cachedQueue{version: version, entries: loaded}
	}
	q.mu.Unlock()
	return loaded, nil
}

func summarize(t *Ticket) QueueEntry {
	e := QueueEntry{
		Ticket: TicketSummary{
			ID:          t.ID,
			Number:      t.Number,
			OrderID:     t.OrderID,
			OrderNumber: t.OrderNumber,
			TableID:     t.TableID,
			StationID:   t.StationID,
			Status:      t.Status,
			CreatedAt:   t.CreatedAt,
		},
		Items: make([]ItemSummary, 0, len(t.Items)),
	}
	for _, it := range t.Items {
		e.Items = append(e.Items, ItemSummary{
			ID:        it.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Notes:     it.Notes,
			Status:    it.Status,
		})
	}
	return e
}
