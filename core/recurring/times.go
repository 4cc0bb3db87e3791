package recurring

import (
	"fmt"
	"slices"
	"time"
)

// TimeOfDay represents a wall-clock time within a UTC day.
// The zero value is midnight.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// At constructs a TimeOfDay. Values are not range-checked here;
// use Valid to verify user input.
func At(hour, minute, second int) TimeOfDay {
	return TimeOfDay{Hour: hour, Minute: minute, Second: second}
}

// Valid reports whether the time components are within range.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 &&
		t.Minute >= 0 && t.Minute < 60 &&
		t.Second >= 0 && t.Second < 60
}

// Duration returns the offset from midnight.
func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second
}

// Before reports whether t is earlier in the day than other.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.Duration() < other.Duration()
}

// After reports whether t is later in the day than other.
func (t TimeOfDay) After(other TimeOfDay) bool {
	return t.Duration() > other.Duration()
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// On applies the time-of-day to the date of the given instant, in UTC.
func (t TimeOfDay) On(day time.Time) time.Time {
	day = day.UTC()
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, t.Second, 0, time.UTC)
}

// timeOfDay extracts the UTC wall-clock time of an instant.
func timeOfDay(t time.Time) TimeOfDay {
	t = t.UTC()
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// normalizeTimes deduplicates and sorts times ascending. Setters on all
// interval types funnel through here so consumers can rely on
// set-then-sorted semantics regardless of insertion order.
func normalizeTimes(times []TimeOfDay) []TimeOfDay {
	if len(times) == 0 {
		return nil
	}
	out := make([]TimeOfDay, 0, len(times))
	for _, t := range times {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b TimeOfDay) int {
		return int(a.Duration() - b.Duration())
	})
	return out
}

// normalizeWeekdays deduplicates and sorts a weekday set (Sunday first).
func normalizeWeekdays(days []time.Weekday) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

// normalizeInts deduplicates and sorts an int set ascending.
func normalizeInts(vals []int) []int {
	if len(vals) == 0 {
		return nil
	}
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}

// normalizeMonths deduplicates and sorts a month set ascending.
func normalizeMonths(months []time.Month) []time.Month {
	if len(months) == 0 {
		return nil
	}
	out := make([]time.Month, 0, len(months))
	for _, m := range months {
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out
}

// daysInMonth returns the number of days in the month containing t.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
