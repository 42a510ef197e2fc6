package presence

import (
	"context"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nearme/nearme/internal/geo"
)

// PresenceService implements the PresenceManager interface
type PresenceService struct {
	store     PresenceStore
	publisher Publisher
	logger    *zap.Logger
	newID     func() string
}

// NewPresenceService creates a new presence service. publisher may be nil,
// in which case writes are not broadcast.
func NewPresenceService(store PresenceStore, publisher Publisher, logger *zap.Logger) *PresenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceService{
		store:     store,
		publisher: publisher,
		logger:    logger,
		newID:     func() string { return uuid.New().String() },
	}
}

// LockIn creates or refreshes a live record and broadcasts it
func (s *PresenceService) LockIn(ctx context.Context, req *LockInRequest) (*LiveUser, error) {
	if err := validateLockIn(req); err != nil {
		s.logger.Debug("Rejected lock-in", zap.Error(err))
		return nil, err
	}

	id, err := s.resolveID(ctx, req)
	if err != nil {
		s.logger.Error("Failed to resolve identity", zap.String("x_handle", req.Handle), zap.Error(err))
		return nil, err
	}

	user, err := s.store.Upsert(ctx, &UpsertParams{
		ID:            id,
		Name:          req.Name,
		Handle:        optionalString(req.Handle),
		PhotoURL:      optionalString(req.PhotoURL),
		WhatWorkingOn: optionalString(req.WhatWorkingOn),
		Lat:           *req.Lat,
		Lon:           *req.Lon,
		IsVenue:       req.IsVenue,
		VenueName:     optionalString(req.VenueName),
	})
	if err != nil {
		s.logger.Error("Failed to upsert live user", zap.String("id", id), zap.Error(err))
		return nil, err
	}

	if s.publisher != nil {
		s.publisher.PublishUpdate(user)
	}

	return user, nil
}

// resolveID picks the record id: explicit id, then handle match, then a new id.
// The handle match does not consider is_active or staleness.
func (s *PresenceService) resolveID(ctx context.Context, req *LockInRequest) (string, error) {
	if req.ID != "" {
		return req.ID, nil
	}

	if req.Handle != "" {
		id, ok, err := s.store.FindIDByHandle(ctx, req.Handle)
		if err != nil {
			return "", err
		}
		if ok {
			return id, nil
		}
	}

	return s.newID(), nil
}

// Done retires a record. Unknown ids succeed without a broadcast.
func (s *PresenceService) Done(ctx context.Context, req *DoneRequest) (*DoneResponse, error) {
	if req == nil || req.ID == "" {
		return nil, NewValidationError("id", nil, "id required")
	}

	found, err := s.store.Retire(ctx, req.ID)
	if err != nil {
		s.logger.Error("Failed to retire live user", zap.String("id", req.ID), zap.Error(err))
		return nil, err
	}

	if found && s.publisher != nil {
		s.publisher.PublishRemove(req.ID)
	}

	return &DoneResponse{OK: true}, nil
}

// QueryActive returns live records within the mode's radius, nearest first
func (s *PresenceService) QueryActive(ctx context.Context, lat, lon *float64, mode QueryMode) ([]NearbyUser, error) {
	center, err := validatePoint(lat, lon)
	if err != nil {
		return nil, err
	}

	users, err := s.store.ListLive(ctx, LiveFilter{
		Center:       center,
		RadiusMeters: mode.Radius(),
	})
	if err != nil {
		s.logger.Error("Failed to query active users",
			zap.String("mode", string(mode)),
			zap.Error(err))
		return nil, err
	}

	return users, nil
}

// QueryNearbyExact loads every live record and keeps those within 100 feet
// using the in-process haversine distance
func (s *PresenceService) QueryNearbyExact(ctx context.Context, lat, lon *float64) ([]LiveUser, error) {
	center, err := validatePoint(lat, lon)
	if err != nil {
		return nil, err
	}

	all, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	within := make([]LiveUser, 0)
	for _, u := range all {
		if geo.Within(*center, geo.Point{Lat: u.Lat, Lon: u.Lon}, NearbyRadiusMeters) {
			within = append(within, u)
		}
	}

	return within, nil
}

// Snapshot returns every live record, most recently updated first
func (s *PresenceService) Snapshot(ctx context.Context) ([]LiveUser, error) {
	rows, err := s.store.ListLive(ctx, LiveFilter{})
	if err != nil {
		s.logger.Error("Failed to load live users", zap.Error(err))
		return nil, err
	}

	users := make([]LiveUser, len(rows))
	for i, row := range rows {
		users[i] = row.LiveUser
	}
	return users, nil
}

func validateLockIn(req *LockInRequest) error {
	if req == nil {
		return NewValidationError("body", nil, "name, lat, lon required")
	}
	if req.Name == "" {
		return NewValidationError("name", nil, "name, lat, lon required")
	}
	if !isCoordinate(req.Lat) {
		return NewValidationError("lat", nil, "name, lat, lon required")
	}
	if !isCoordinate(req.Lon) {
		return NewValidationError("lon", nil, "name, lat, lon required")
	}
	return nil
}

func validatePoint(lat, lon *float64) (*geo.Point, error) {
	if !isCoordinate(lat) {
		return nil, NewValidationError("lat", nil, "lat/lon required")
	}
	if !isCoordinate(lon) {
		return nil, NewValidationError("lon", nil, "lat/lon required")
	}
	return &geo.Point{Lat: *lat, Lon: *lon}, nil
}

func isCoordinate(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0)
}
