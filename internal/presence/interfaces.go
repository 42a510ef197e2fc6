package presence

import (
	"context"
)

// PresenceStore defines the interface for live user persistence
type PresenceStore interface {
	// FindIDByHandle returns the id of a record carrying handle, active or
	// not. ok is false when no record matches.
	FindIDByHandle(ctx context.Context, handle string) (id string, ok bool, err error)

	// Upsert inserts or fully overwrites the record with params.ID, stamping
	// updated_at and forcing is_active to true.
	Upsert(ctx context.Context, params *UpsertParams) (*LiveUser, error)

	// Retire flips is_active to false. found is false for unknown ids.
	Retire(ctx context.Context, id string) (found bool, err error)

	// ListLive returns live records. With a center it returns records within
	// the radius ordered by ascending distance, otherwise every live record
	// ordered by most recent update.
	ListLive(ctx context.Context, filter LiveFilter) ([]NearbyUser, error)
}

// Publisher receives presence deltas after successful writes.
type Publisher interface {
	PublishUpdate(user *LiveUser)
	PublishRemove(id string)
}

// PresenceManager defines the boundary exposed to transports
type PresenceManager interface {
	LockIn(ctx context.Context, req *LockInRequest) (*LiveUser, error)
	Done(ctx context.Context, req *DoneRequest) (*DoneResponse, error)
	QueryActive(ctx context.Context, lat, lon *float64, mode QueryMode) ([]NearbyUser, error)
	QueryNearbyExact(ctx context.Context, lat, lon *float64) ([]LiveUser, error)
	Snapshot(ctx context.Context) ([]LiveUser, error)
}
