package presence

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	kind string
	user *LiveUser
	id   string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) PublishUpdate(user *LiveUser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{kind: "update", user: user, id: user.ID})
}

func (p *recordingPublisher) PublishRemove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{kind: "remove", id: id})
}

func (p *recordingPublisher) Events() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

var errStoreDown = errors.New("connection refused")

// failingStore fails every call with a storage error
type failingStore struct{}

func (failingStore) FindIDByHandle(ctx context.Context, handle string) (string, bool, error) {
	return "", false, NewStorageQueryError("find_by_handle", "live_users", errStoreDown)
}

func (failingStore) Upsert(ctx context.Context, params *UpsertParams) (*LiveUser, error) {
	return nil, NewStorageQueryError("upsert", "live_users", errStoreDown)
}

func (failingStore) Retire(ctx context.Context, id string) (bool, error) {
	return false, NewStorageQueryError("retire", "live_users", errStoreDown)
}

func (failingStore) ListLive(ctx context.Context, filter LiveFilter) ([]NearbyUser, error) {
	return nil, NewStorageQueryError("list_live", "live_users", errStoreDown)
}

func float(v float64) *float64 {
	return &v
}

// Reference point and offsets north of it. 0.0001 degrees of latitude is
// about 11.1 m on the haversine sphere.
const (
	baseLat = 40.7306
	baseLon = -73.9352
)

func lockInAt(name string, lat, lon float64) *LockInRequest {
	return &LockInRequest{Name: name, Lat: float(lat), Lon: float(lon)}
}

func nan() float64 {
	return math.NaN()
}
