package presence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/nearme/nearme/internal/metrics"
)

const (
	// userGeography is the PostGIS geography of a live_users row.
	userGeography = "ST_SetSRID(ST_MakePoint(lu.lon, lu.lat), 4326)::geography"
	// refGeography takes (lon, lat) placeholders.
	refGeography = "ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography"
)

// LiveUserSchema represents the live_users table schema in PostgreSQL
type LiveUserSchema struct {
	bun.BaseModel `bun:"table:live_users,alias:lu"`

	ID            string    `bun:"id,pk" json:"id"`
	Name          string    `bun:"name,notnull" json:"name"`
	XHandle       *string   `bun:"x_handle" json:"x_handle"`
	PhotoURL      *string   `bun:"photo_url" json:"photo_url"`
	WhatWorkingOn *string   `bun:"what_working_on" json:"what_working_on"`
	Lat           float64   `bun:"lat,notnull" json:"lat"`
	Lon           float64   `bun:"lon,notnull" json:"lon"`
	IsVenue       bool      `bun:"is_venue,notnull,default:false" json:"is_venue"`
	VenueName     *string   `bun:"venue_name" json:"venue_name"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
	IsActive      bool      `bun:"is_active,notnull,default:true" json:"is_active"`
}

// liveUserRow is a live_users row with the PostGIS distance to a query point
type liveUserRow struct {
	LiveUserSchema `bun:",extend"`

	Distance float64 `bun:"distance,scanonly"`
}

// PostgresStore implements PresenceStore with PostgreSQL + PostGIS storage
type PostgresStore struct {
	db *bun.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(db *bun.DB) *PostgresStore {
	return &PostgresStore{
		db: db,
	}
}

// FindIDByHandle resolves a handle to an id without filtering on activity
func (s *PostgresStore) FindIDByHandle(ctx context.Context, handle string) (id string, found bool, err error) {
	defer observe("find_by_handle", time.Now(), &err)

	err = s.db.NewSelect().
		Model((*LiveUserSchema)(nil)).
		Column("id").
		Where("x_handle = ?", handle).
		Limit(1).
		Scan(ctx, &id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, NewStorageQueryError("find_by_handle", "live_users", err)
	}

	return id, true, nil
}

// Upsert inserts a record or overwrites every mutable column of the existing one
func (s *PostgresStore) Upsert(ctx context.Context, params *UpsertParams) (user *LiveUser, err error) {
	defer observe("upsert", time.Now(), &err)

	schema := &LiveUserSchema{
		ID:            params.ID,
		Name:          params.Name,
		XHandle:       params.Handle,
		PhotoURL:      params.PhotoURL,
		WhatWorkingOn: params.WhatWorkingOn,
		Lat:           params.Lat,
		Lon:           params.Lon,
		IsVenue:       params.IsVenue,
		VenueName:     params.VenueName,
		IsActive:      true,
	}

	_, err = s.db.NewInsert().
		Model(schema).
		Value("updated_at", "NOW()").
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("x_handle = EXCLUDED.x_handle").
		Set("photo_url = EXCLUDED.photo_url").
		Set("what_working_on = EXCLUDED.what_working_on").
		Set("lat = EXCLUDED.lat").
		Set("lon = EXCLUDED.lon").
		Set("is_venue = EXCLUDED.is_venue").
		Set("venue_name = EXCLUDED.venue_name").
		Set("updated_at = NOW()").
		Set("is_active = TRUE").
		Returning("*").
		Exec(ctx)
	if err != nil {
		var pgErr pgdriver.Error
		if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
			return nil, NewStorageConstraintError("upsert", "live_users", err)
		}
		return nil, NewStorageQueryError("upsert", "live_users", err)
	}

	return schemaToLiveUser(schema), nil
}

// Retire soft-deletes a record by clearing is_active
func (s *PostgresStore) Retire(ctx context.Context, id string) (found bool, err error) {
	defer observe("retire", time.Now(), &err)

	result, err := s.db.NewUpdate().
		Model((*LiveUserSchema)(nil)).
		Set("is_active = FALSE").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return false, NewStorageQueryError("retire", "live_users", err)
	}

	return retiredRow(result)
}

// retiredRow reports whether an update touched a row
func retiredRow(result sql.Result) (bool, error) {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, NewStorageQueryError("retire", "live_users", err)
	}
	return rowsAffected > 0, nil
}

// ListLive returns live records, filtered and ordered by PostGIS distance when
// a center is given
func (s *PostgresStore) ListLive(ctx context.Context, filter LiveFilter) (users []NearbyUser, err error) {
	defer observe("list_live", time.Now(), &err)

	var rows []liveUserRow
	query := s.db.NewSelect().
		Model(&rows).
		ColumnExpr("lu.*").
		Where("lu.is_active = TRUE").
		Where("lu.updated_at > NOW() - ? * INTERVAL '1 second'", int64(StalenessWindow/time.Second))

	if filter.Center != nil {
		lon, lat := filter.Center.Lon, filter.Center.Lat
		query = query.
			ColumnExpr("ST_Distance("+userGeography+", "+refGeography+") AS distance", lon, lat).
			Where("ST_DWithin("+userGeography+", "+refGeography+", ?)", lon, lat, filter.RadiusMeters).
			OrderExpr("distance ASC")
	} else {
		query = query.OrderExpr("lu.updated_at DESC")
	}

	if err := query.Scan(ctx); err != nil {
		return nil, NewStorageQueryError("list_live", "live_users", err)
	}

	users = make([]NearbyUser, len(rows))
	for i, row := range rows {
		users[i] = NearbyUser{
			LiveUser: *schemaToLiveUser(&row.LiveUserSchema),
			Distance: row.Distance,
		}
	}

	return users, nil
}

func observe(operation string, start time.Time, err *error) {
	metrics.RecordStoreQuery(operation, time.Since(start), *err)
}

// schemaToLiveUser converts database schema to the live user model
func schemaToLiveUser(schema *LiveUserSchema) *LiveUser {
	return &LiveUser{
		ID:            schema.ID,
		Name:          schema.Name,
		Handle:        schema.XHandle,
		PhotoURL:      schema.PhotoURL,
		WhatWorkingOn: schema.WhatWorkingOn,
		Lat:           schema.Lat,
		Lon:           schema.Lon,
		IsVenue:       schema.IsVenue,
		VenueName:     schema.VenueName,
		UpdatedAt:     schema.UpdatedAt,
		IsActive:      schema.IsActive,
	}
}
