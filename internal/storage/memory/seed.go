package memory

import (
	"github.com/gofrs/uuid"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
)

// DefaultStations mirrors migrations/000002_seed_stations.up.sql.
func DefaultStations() []kitchen.Station {
	return []kitchen.Station{
		{ID: uuid.FromStringOrNil("6f1c2a9e-3b8d-4c1e-9a57-1d2e3f4a5b01"), Code: "cocina", Name: "Cocina", Active: true, SortOrder: 1},
		{ID: uuid.FromStringOrNil("6f1c2a9e-3b8d-4c1e-9a57-1d2e3f4a5b02"), Code: "bar", Name: "Bar", Active: true, SortOrder: 2},
		{ID: uuid.FromStringOrNil("6f1c2a9e-3b8d-4c1e-9a57-1d2e3f4a5b03"), Code: "pasteleria", Name: "Pastelería", Active: true, SortOrder: 3},
	}
}
