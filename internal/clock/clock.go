package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Clock supplies wall-clock time to the booking core.
type Clock interface {
	Now() time.Time
}

// System reads the host clock and converts it to Location.
type System struct {
	Location *time.Location
}

func (s System) Now() time.Time {
	if s.Location == nil {
		return time.Now()
	}
	return time.Now().In(s.Location)
}

// Fixed always returns T.
type Fixed struct{ T time.Time }

func (f Fixed) Now() time.Time { return f.T }

// Manual is a settable clock for tests and tools.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

func NewManual(t time.Time) *Manual { return &Manual{t: t} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}

// Day is an upper-case English weekday name, e.g. "FRIDAY".
type Day string

const (
	Monday    Day = "MONDAY"
	Tuesday   Day = "TUESDAY"
	Wednesday Day = "WEDNESDAY"
	Thursday  Day = "THURSDAY"
	Friday    Day = "FRIDAY"
	Saturday  Day = "SATURDAY"
	Sunday    Day = "SUNDAY"
)

var days = map[time.Weekday]Day{
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
	time.Sunday:    Sunday,
}

// DayOf returns the weekday of t in t's location.
func DayOf(t time.Time) Day { return days[t.Weekday()] }

// ParseDay accepts any casing of an English weekday name.
func ParseDay(s string) (Day, error) {
	d := Day(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range days {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown day %q", s)
}

// TimeOfDay is a wall-clock time formatted HH:MM. Values compare correctly
// as strings.
type TimeOfDay string

const layoutHM = "15:04"

func TimeOf(t time.Time) TimeOfDay { return TimeOfDay(t.Format(layoutHM)) }

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse(layoutHM, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return TimeOfDay(t.Format(layoutHM)), nil
}

// StartOfDay returns midnight of t's calendar date in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
