package kitchen

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/gofrs/uuid"
)

// StationRegistry is the read-only view over station configuration.
type StationRegistry interface {
	// ListActive returns active stations ordered by SortOrder, then Name.
	ListActive(ctx context.Context) ([]Station, error)
	// Get returns the station, active or not, or ErrStationNotFound.
	Get(ctx context.Context, id StationID) (*Station, error)
}

type registry struct {
	stations StationStore
}

func NewStationRegistry(stations StationStore) StationRegistry {
	return &registry{stations: stations}
}

func (r *registry) ListActive(ctx context.Context) ([]Station, error) {
	all, err := r.stations.ListStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list stations: %w", err)
	}

	active := make([]Station, 0, len(all))
	for _, s := range all {
		if s.Active {
			active = append(active, s)
		}
	}
	slices.SortStableFunc(active, func(a, b Station) int {
		return cmp.Or(cmp.Compare(a.SortOrder, b.SortOrder), cmp.Compare(a.Name, b.Name))
	})
	return active, nil
}

func (r *registry) Get(ctx context.Context, id StationID) (*Station, error) {
	if id == uuid.Nil {
		return nil, ErrStationNotFound
	}
	st, err := r.stations.GetStation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to get station %s: %w", id, err)
	}
	return st, nil
}
