// Package timeslot models an appointment's start/end time-of-day pair.
//
// Slots are validated once at the boundary (booking, or when a legacy row is
// loaded) and then carried as a structured value. Parse is deliberately
// tolerant because historical rows were stored as free text.
package timeslot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnparseable is returned when a time-slot string cannot be understood.
var ErrUnparseable = errors.New("timeslot: unparseable time slot")

// Slot is a time-of-day range. Start and End are offsets from midnight.
type Slot struct {
	Start time.Duration
	End   time.Duration
	valid bool
}

// New builds a validated slot.
func New(start, end time.Duration) (Slot, error) {
	if start < 0 || start >= 24*time.Hour || end < 0 || end > 24*time.Hour {
		return Slot{}, fmt.Errorf("%w: out of range", ErrUnparseable)
	}
	if end < start {
		return Slot{}, fmt.Errorf("%w: end before start", ErrUnparseable)
	}
	return Slot{Start: start, End: end, valid: true}, nil
}

// Valid reports whether the slot was successfully parsed or constructed.
func (s Slot) Valid() bool { return s.valid }

// StartOn returns the instant the slot starts on the given date, in the
// date's location.
func (s Slot) StartOn(date time.Time) time.Time {
	return on(date, s.Start)
}

// EndOn returns the instant the slot ends on the given date.
func (s Slot) EndOn(date time.Time) time.Time {
	return on(date, s.End)
}

// String renders the canonical "HH:MM-HH:MM" form (seconds included only
// when non-zero).
func (s Slot) String() string {
	if !s.valid {
		return ""
	}
	return formatClock(s.Start) + "-" + formatClock(s.End)
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(raw string) Slot {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse accepts "HH:MM-HH:MM" and "HH:MM:SS-HH:MM:SS", plus the legacy
// variants seen in old rows: padded spaces, en/em dashes, "to" as separator
// and 12-hour clocks with AM/PM.
func Parse(raw string) (Slot, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Slot{}, fmt.Errorf("%w: empty", ErrUnparseable)
	}
	text = strings.NewReplacer("–", "-", "—", "-", " to ", "-", " TO ", "-").Replace(text)

	parts := strings.Split(text, "-")
	if len(parts) != 2 {
		return Slot{}, fmt.Errorf("%w: %q", ErrUnparseable, raw)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Slot{}, fmt.Errorf("%w: %q", ErrUnparseable, raw)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Slot{}, fmt.Errorf("%w: %q", ErrUnparseable, raw)
	}
	return New(start, end)
}

// ParseStart parses only the start time of a slot string. Consumers that
// only need the start (fee deadline, no-show grace) use it so a malformed
// end does not discard an otherwise usable row.
func ParseStart(raw string) (time.Duration, error) {
	if s, err := Parse(raw); err == nil {
		return s.Start, nil
	}
	text := strings.NewReplacer("–", "-", "—", "-").Replace(strings.TrimSpace(raw))
	head, _, _ := strings.Cut(text, "-")
	d, err := parseClock(head)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseable, raw)
	}
	return d, nil
}

func parseClock(raw string) (time.Duration, error) {
	text := strings.ToUpper(strings.TrimSpace(raw))
	meridiem := ""
	switch {
	case strings.HasSuffix(text, "AM"):
		meridiem = "AM"
	case strings.HasSuffix(text, "PM"):
		meridiem = "PM"
	}
	if meridiem != "" {
		text = strings.TrimSpace(strings.TrimSuffix(text, meridiem))
	}

	fields := strings.Split(text, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, ErrUnparseable
	}
	values := make([]int, 3)
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return 0, ErrUnparseable
		}
		values[i] = n
	}
	h, m, sec := values[0], values[1], values[2]
	if m > 59 || sec > 59 {
		return 0, ErrUnparseable
	}
	switch meridiem {
	case "AM":
		if h < 1 || h > 12 {
			return 0, ErrUnparseable
		}
		if h == 12 {
			h = 0
		}
	case "PM":
		if h < 1 || h > 12 {
			return 0, ErrUnparseable
		}
		if h != 12 {
			h += 12
		}
	default:
		if h > 24 || (h == 24 && (m > 0 || sec > 0)) {
			return 0, ErrUnparseable
		}
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

func formatClock(d time.Duration) string {
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

func on(date time.Time, offset time.Duration) time.Time {
	y, mo, d := date.Date()
	h := int(offset / time.Hour)
	mi := int(offset % time.Hour / time.Minute)
	s := int(offset % time.Minute / time.Second)
	return time.Date(y, mo, d, h, mi, s, 0, date.Location())
}
