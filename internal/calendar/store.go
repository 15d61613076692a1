package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists clinic schedules in Redis.
type Store struct {
	redis    *redis.Client
	timezone string
}

// NewStore creates a schedule store. timezone is the clinic's configured zone;
// when set it overrides whatever zone a stored schedule carries, so calendar
// days line up with the zone appointment dates and deadlines are stored in.
func NewStore(redisClient *redis.Client, timezone string) *Store {
	return &Store{redis: redisClient, timezone: timezone}
}

func (s *Store) key(clinicID string) string {
	return fmt.Sprintf("clinic:calendar:%s", clinicID)
}

// Get retrieves the schedule, returning the default if none is stored.
func (s *Store) Get(ctx context.Context, clinicID string) (*Schedule, error) {
	data, err := s.redis.Get(ctx, s.key(clinicID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return DefaultSchedule(clinicID, s.timezone), nil
	}
	if err != nil {
		return nil, fmt.Errorf("calendar: get schedule: %w", err)
	}

	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, fmt.Errorf("calendar: unmarshal schedule: %w", err)
	}
	if s.timezone != "" {
		sched.Timezone = s.timezone
	}
	return &sched, nil
}

// Set saves a schedule under the configured zone.
func (s *Store) Set(ctx context.Context, sched *Schedule) error {
	stored := *sched
	if s.timezone != "" {
		stored.Timezone = s.timezone
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("calendar: marshal schedule: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(sched.ClinicID), data, 0).Err(); err != nil {
		return fmt.Errorf("calendar: set schedule: %w", err)
	}
	return nil
}

// StoreCalendar resolves dates against the stored schedule of one clinic,
// caching the schedule briefly so business-day loops don't hit Redis per day.
type StoreCalendar struct {
	store    *Store
	clinicID string
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	cached   *Schedule
	loadedAt time.Time
}

// NewStoreCalendar creates a Calendar over the store.
func NewStoreCalendar(store *Store, clinicID string) *StoreCalendar {
	return &StoreCalendar{store: store, clinicID: clinicID, ttl: time.Minute, now: time.Now}
}

// Resolve loads (or reuses) the schedule and resolves the date.
func (c *StoreCalendar) Resolve(ctx context.Context, date time.Time) (Day, error) {
	sched, err := c.schedule(ctx)
	if err != nil {
		return Day{}, err
	}
	return sched.Resolve(ctx, date)
}

func (c *StoreCalendar) schedule(ctx context.Context) (*Schedule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil && c.now().Sub(c.loadedAt) < c.ttl {
		return c.cached, nil
	}
	sched, err := c.store.Get(ctx, c.clinicID)
	if err != nil {
		return nil, err
	}
	c.cached = sched
	c.loadedAt = c.now()
	return sched, nil
}
