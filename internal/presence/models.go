package presence

import (
	"time"

	"github.com/nearme/nearme/internal/geo"
)

// Fixed presence constants.
const (
	// StalenessWindow is how long after its last lock-in a record stays live.
	StalenessWindow = time.Hour

	// NearbyRadiusMeters is 100 feet.
	NearbyRadiusMeters = 30.48

	// AreaRadiusMeters is 5 miles.
	AreaRadiusMeters = 8046.72
)

// QueryMode selects the radius used by QueryActive
type QueryMode string

const (
	QueryModeNearby QueryMode = "nearby"
	QueryModeArea   QueryMode = "area"
)

// Radius returns the search radius in meters for the mode. Unknown modes
// fall back to the area radius.
func (m QueryMode) Radius() float64 {
	if m == QueryModeNearby {
		return NearbyRadiusMeters
	}
	return AreaRadiusMeters
}

// LiveUser is a published presence record, either a person or a venue pin.
type LiveUser struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Handle        *string   `json:"x_handle"`
	PhotoURL      *string   `json:"photo_url"`
	WhatWorkingOn *string   `json:"what_working_on"`
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
	IsVenue       bool      `json:"is_venue"`
	VenueName     *string   `json:"venue_name"`
	UpdatedAt     time.Time `json:"updated_at"`
	IsActive      bool      `json:"is_active"`
}

// IsLive reports whether the record is visible at now: active and refreshed
// within the staleness window.
func (u *LiveUser) IsLive(now time.Time) bool {
	return u.IsActive && u.UpdatedAt.After(now.Add(-StalenessWindow))
}

// NearbyUser is a LiveUser annotated with its distance from a query point.
type NearbyUser struct {
	LiveUser
	Distance float64 `json:"distance"`
}

// LockInRequest is the payload of a lock-in call. Lat and Lon are pointers so
// that a missing coordinate can be told apart from 0.
type LockInRequest struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	Handle        string   `json:"x_handle,omitempty"`
	PhotoURL      string   `json:"photo_url,omitempty"`
	WhatWorkingOn string   `json:"what_working_on,omitempty"`
	Lat           *float64 `json:"lat"`
	Lon           *float64 `json:"lon"`
	IsVenue       bool     `json:"is_venue,omitempty"`
	VenueName     string   `json:"venue_name,omitempty"`
}

// DoneRequest retires a record.
type DoneRequest struct {
	ID string `json:"id"`
}

// DoneResponse is returned for every successful done call, whether or not
// the id existed.
type DoneResponse struct {
	OK bool `json:"ok"`
}

// UpsertParams is the fully resolved write handed to the store. Optional
// fields are nil when absent.
type UpsertParams struct {
	ID            string
	Name          string
	Handle        *string
	PhotoURL      *string
	WhatWorkingOn *string
	Lat           float64
	Lon           float64
	IsVenue       bool
	VenueName     *string
}

// LiveFilter restricts a live query. A nil Center returns every live record
// ordered by most recent update.
type LiveFilter struct {
	Center       *geo.Point
	RadiusMeters float64
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
