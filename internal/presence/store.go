package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nearme/nearme/internal/geo"
)

// InMemoryStore implements PresenceStore with in-memory storage. Distances
// are computed with the haversine utility instead of PostGIS.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]*LiveUser
	// order preserves insertion order so handle lookups are deterministic
	order []string
	now   func() time.Time
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreWithClock(time.Now)
}

// NewInMemoryStoreWithClock creates an in-memory store that reads the
// current time from now.
func NewInMemoryStoreWithClock(now func() time.Time) *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]*LiveUser),
		now:   now,
	}
}

// FindIDByHandle returns the first record inserted with handle
func (s *InMemoryStore) FindIDByHandle(ctx context.Context, handle string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		u := s.users[id]
		if u.Handle != nil && *u.Handle == handle {
			return id, true, nil
		}
	}
	return "", false, nil
}

// Upsert inserts or overwrites a record
func (s *InMemoryStore) Upsert(ctx context.Context, params *UpsertParams) (*LiveUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := &LiveUser{
		ID:            params.ID,
		Name:          params.Name,
		Handle:        params.Handle,
		PhotoURL:      params.PhotoURL,
		WhatWorkingOn: params.WhatWorkingOn,
		Lat:           params.Lat,
		Lon:           params.Lon,
		IsVenue:       params.IsVenue,
		VenueName:     params.VenueName,
		UpdatedAt:     s.now(),
		IsActive:      true,
	}

	if _, exists := s.users[params.ID]; !exists {
		s.order = append(s.order, params.ID)
	}
	s.users[params.ID] = user

	result := *user
	return &result, nil
}

// Retire marks a record inactive
func (s *InMemoryStore) Retire(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return false, nil
	}
	user.IsActive = false
	return true, nil
}

// ListLive returns live records, optionally within a radius
func (s *InMemoryStore) ListLive(ctx context.Context, filter LiveFilter) ([]NearbyUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	results := make([]NearbyUser, 0)
	for _, id := range s.order {
		u := s.users[id]
		if !u.IsLive(now) {
			continue
		}

		entry := NearbyUser{LiveUser: *u}
		if filter.Center != nil {
			entry.Distance = geo.Distance(*filter.Center, geo.Point{Lat: u.Lat, Lon: u.Lon})
			if entry.Distance > filter.RadiusMeters {
				continue
			}
		}
		results = append(results, entry)
	}

	if filter.Center != nil {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Distance < results[j].Distance
		})
	} else {
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		})
	}

	return results, nil
}
