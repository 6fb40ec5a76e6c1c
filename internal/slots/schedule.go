package slots

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/knocktwice/internal/clock"
)

// Key identifies one delivery tick on a service day.
type Key struct {
	Day  clock.Day       `json:"day"`
	Time clock.TimeOfDay `json:"time"`
}

func (k Key) String() string { return string(k.Day) + " " + string(k.Time) }

// ParseKey accepts "FRIDAY 20:30" (any day casing).
func ParseKey(s string) (Key, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return Key{}, fmt.Errorf("invalid slot %q (want DAY HH:MM)", s)
	}
	d, err := clock.ParseDay(parts[0])
	if err != nil {
		return Key{}, err
	}
	t, err := clock.ParseTimeOfDay(parts[1])
	if err != nil {
		return Key{}, err
	}
	return Key{Day: d, Time: t}, nil
}

// Window is a named service window, e.g. dinner, split into ticks.
type Window struct {
	Name  string   `koanf:"name" yaml:"name"`
	Ticks []string `koanf:"ticks" yaml:"ticks"`
}

// Schedule maps a service day to its windows. Days without windows are closed.
type Schedule map[clock.Day][]Window

// DefaultSchedule is the house table: Friday dinner, weekend lunch and dinner.
func DefaultSchedule() Schedule {
	lunch := []string{"13:30", "13:45", "14:00", "14:15", "14:30", "14:45", "15:00", "15:15", "15:30"}
	dinner := []string{"20:30", "21:00", "21:15", "21:30", "22:00", "22:15", "22:30"}
	return Schedule{
		clock.Friday:   {{Name: "dinner", Ticks: dinner}},
		clock.Saturday: {{Name: "lunch", Ticks: lunch}, {Name: "dinner", Ticks: dinner}},
		clock.Sunday:   {{Name: "lunch", Ticks: lunch}, {Name: "dinner", Ticks: dinner}},
	}
}

func (s Schedule) Validate() error {
	for day, windows := range s {
		if _, err := clock.ParseDay(string(day)); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
		for _, w := range windows {
			if len(w.Ticks) == 0 {
				return fmt.Errorf("schedule: %s %s: no ticks", day, w.Name)
			}
			for _, t := range w.Ticks {
				if _, err := clock.ParseTimeOfDay(t); err != nil {
					return fmt.Errorf("schedule: %s %s: %w", day, w.Name, err)
				}
			}
		}
	}
	return nil
}

// Ticks returns the day's ticks in ascending order without duplicates.
func (s Schedule) Ticks(day clock.Day) []clock.TimeOfDay {
	seen := map[clock.TimeOfDay]bool{}
	var out []clock.TimeOfDay
	for _, w := range s[day] {
		for _, raw := range w.Ticks {
			t, err := clock.ParseTimeOfDay(raw)
			if err != nil || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Open reports whether day has a tick strictly after now.
func (s Schedule) Open(day clock.Day, now clock.TimeOfDay) bool {
	for _, t := range s.Ticks(day) {
		if t > now {
			return true
		}
	}
	return false
}

// Normalize upper-cases day keys, which arrive lower-cased from config files.
func (s Schedule) Normalize() (Schedule, error) {
	out := Schedule{}
	for day, w := range s {
		d, err := clock.ParseDay(string(day))
		if err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		out[d] = append(out[d], w...)
	}
	return out, nil
}
