// Package calendar answers "is the clinic open on this date, and when".
// It backs the no-show sweep's closing-time rule and business-day deadline
// arithmetic for refund pickups.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoBusinessDays is returned when no open day is found within the search
// horizon (e.g. the clinic is configured closed indefinitely).
var ErrNoBusinessDays = errors.New("calendar: no business days within horizon")

// searchHorizonDays bounds business-day arithmetic.
const searchHorizonDays = 366

// Day is the resolved state of one calendar date in the clinic's timezone.
type Day struct {
	Date   time.Time // midnight, clinic location
	IsOpen bool
	Opens  time.Time
	Closes time.Time
}

// Calendar resolves a date to open/closed and operating hours.
type Calendar interface {
	Resolve(ctx context.Context, date time.Time) (Day, error)
}

// DayHours represents the opening hours for a single day.
// Nil means the clinic is closed that day.
type DayHours struct {
	Open  string `json:"open"`  // "09:00" in 24-hour format
	Close string `json:"close"` // "18:00" in 24-hour format
}

// BusinessHours maps day names to their hours.
type BusinessHours struct {
	Monday    *DayHours `json:"monday,omitempty"`
	Tuesday   *DayHours `json:"tuesday,omitempty"`
	Wednesday *DayHours `json:"wednesday,omitempty"`
	Thursday  *DayHours `json:"thursday,omitempty"`
	Friday    *DayHours `json:"friday,omitempty"`
	Saturday  *DayHours `json:"saturday,omitempty"`
	Sunday    *DayHours `json:"sunday,omitempty"`
}

// HoursFor returns the hours for a given weekday.
func (b *BusinessHours) HoursFor(weekday time.Weekday) *DayHours {
	switch weekday {
	case time.Sunday:
		return b.Sunday
	case time.Monday:
		return b.Monday
	case time.Tuesday:
		return b.Tuesday
	case time.Wednesday:
		return b.Wednesday
	case time.Thursday:
		return b.Thursday
	case time.Friday:
		return b.Friday
	case time.Saturday:
		return b.Saturday
	default:
		return nil
	}
}

// Schedule is the clinic's weekly hours plus date-specific overrides.
type Schedule struct {
	ClinicID      string        `json:"clinic_id"`
	Timezone      string        `json:"timezone"`
	BusinessHours BusinessHours `json:"business_hours"`
	// Closures lists dates ("2006-01-02") the clinic is closed regardless of
	// weekday, e.g. public holidays.
	Closures []string `json:"closures,omitempty"`
	// SpecialHours overrides the weekly hours for specific dates.
	SpecialHours map[string]DayHours `json:"special_hours,omitempty"`
}

// DefaultSchedule is Monday–Saturday 08:00–17:00.
func DefaultSchedule(clinicID, timezone string) *Schedule {
	weekday := &DayHours{Open: "08:00", Close: "17:00"}
	return &Schedule{
		ClinicID: clinicID,
		Timezone: timezone,
		BusinessHours: BusinessHours{
			Monday:    weekday,
			Tuesday:   weekday,
			Wednesday: weekday,
			Thursday:  weekday,
			Friday:    weekday,
			Saturday:  weekday,
		},
	}
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Resolve implements Calendar without I/O.
func (s *Schedule) Resolve(_ context.Context, date time.Time) (Day, error) {
	loc := s.Location()
	local := date.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	day := Day{Date: midnight}

	key := midnight.Format(time.DateOnly)
	for _, closed := range s.Closures {
		if closed == key {
			return day, nil
		}
	}

	var hours *DayHours
	if special, ok := s.SpecialHours[key]; ok {
		hours = &special
	} else {
		hours = s.BusinessHours.HoursFor(midnight.Weekday())
	}
	if hours == nil {
		return day, nil
	}

	opens, err := clockOn(midnight, hours.Open)
	if err != nil {
		return Day{}, fmt.Errorf("calendar: %s open time: %w", key, err)
	}
	closes, err := clockOn(midnight, hours.Close)
	if err != nil {
		return Day{}, fmt.Errorf("calendar: %s close time: %w", key, err)
	}
	day.IsOpen = true
	day.Opens = opens
	day.Closes = closes
	return day, nil
}

// AddBusinessDays returns the n-th open day strictly after from's date.
// Closed days do not count.
func AddBusinessDays(ctx context.Context, cal Calendar, from time.Time, n int) (Day, error) {
	if n <= 0 {
		return cal.Resolve(ctx, from)
	}
	counted := 0
	for i := 1; i <= searchHorizonDays; i++ {
		day, err := cal.Resolve(ctx, from.AddDate(0, 0, i))
		if err != nil {
			return Day{}, err
		}
		if !day.IsOpen {
			continue
		}
		counted++
		if counted == n {
			return day, nil
		}
	}
	return Day{}, ErrNoBusinessDays
}

func clockOn(midnight time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day(), t.Hour(), t.Minute(), 0, 0, midnight.Location()), nil
}
