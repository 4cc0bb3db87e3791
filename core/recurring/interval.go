package recurring

import (
	"fmt"
	"strings"
	"time"
)

// Interval computes the next occurrence of a recurring cadence.
// Implementations are value types and safe for concurrent use.
type Interval interface {
	// Next returns the first occurrence strictly after the given instant.
	// The second return value is false when no further occurrence exists.
	Next(after time.Time) (time.Time, bool)

	// String returns a human-readable description of the cadence.
	String() string
}

// SecondInterval fires every N seconds.
type SecondInterval struct {
	Every int `json:"every"`
}

// EverySecond creates an interval firing every n seconds.
func EverySecond(n int) SecondInterval {
	return SecondInterval{Every: max(1, n)}
}

func (i SecondInterval) Next(after time.Time) (time.Time, bool) {
	return after.UTC().Add(time.Duration(max(1, i.Every)) * time.Second), true
}

func (i SecondInterval) String() string {
	return fmt.Sprintf("every %d second(s)", max(1, i.Every))
}

// MinuteInterval fires every N minutes, optionally snapped to a second anchor.
type MinuteInterval struct {
	Every    int  `json:"every"`
	OnSecond *int `json:"on_second,omitempty"`
}

// EveryMinute creates an interval firing every n minutes.
func EveryMinute(n int) MinuteInterval {
	return MinuteInterval{Every: max(1, n)}
}

// AtSecond anchors occurrences to a specific second of the minute.
func (i MinuteInterval) AtSecond(s int) MinuteInterval {
	if s >= 0 && s < 60 {
		i.OnSecond = &s
	}
	return i
}

func (i MinuteInterval) Next(after time.Time) (time.Time, bool) {
	next := after.UTC().Add(time.Duration(max(1, i.Every)) * time.Minute)
	if i.OnSecond != nil {
		next = snapToSecond(next, *i.OnSecond)
	}
	return next, true
}

func (i MinuteInterval) String() string {
	s := fmt.Sprintf("every %d minute(s)", max(1, i.Every))
	if i.OnSecond != nil {
		s += fmt.Sprintf(" at second %d", *i.OnSecond)
	}
	return s
}

// HourInterval fires every N hours, optionally snapped to minute/second anchors.
type HourInterval struct {
	Every    int  `json:"every"`
	OnMinute *int `json:"on_minute,omitempty"`
	OnSecond *int `json:"on_second,omitempty"`
}

// EveryHour creates an interval firing every n hours.
func EveryHour(n int) HourInterval {
	return HourInterval{Every: max(1, n)}
}

// AtMinute anchors occurrences to a specific minute of the hour.
func (i HourInterval) AtMinute(m int) HourInterval {
	if m >= 0 && m < 60 {
		i.OnMinute = &m
	}
	return i
}

// AtSecond anchors occurrences to a specific second of the minute.
func (i HourInterval) AtSecond(s int) HourInterval {
	if s >= 0 && s < 60 {
		i.OnSecond = &s
	}
	return i
}

func (i HourInterval) Next(after time.Time) (time.Time, bool) {
	next := after.UTC().Add(time.Duration(max(1, i.Every)) * time.Hour)
	switch {
	case i.OnMinute != nil:
		// Snap to the combined minute/second anchor in one step; snapping
		// the components independently can overshoot by a minute.
		sec := 0
		if i.OnSecond != nil {
			sec = *i.OnSecond
		}
		snapped := time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), *i.OnMinute, sec, 0, time.UTC)
		if snapped.Before(next) {
			snapped = snapped.Add(time.Hour)
		}
		next = snapped
	case i.OnSecond != nil:
		next = snapToSecond(next, *i.OnSecond)
	}
	return next, true
}

func (i HourInterval) String() string {
	s := fmt.Sprintf("every %d hour(s)", max(1, i.Every))
	if i.OnMinute != nil {
		s += fmt.Sprintf(" at minute %d", *i.OnMinute)
	}
	if i.OnSecond != nil {
		s += fmt.Sprintf(" second %d", *i.OnSecond)
	}
	return s
}

// DayInterval fires every N days, optionally restricted to a weekday set
// and anchored to specific times of day.
type DayInterval struct {
	Every   int            `json:"every"`
	OnTimes []TimeOfDay    `json:"on_times,omitempty"`
	OnDays  []time.Weekday `json:"on_days,omitempty"`
}

// EveryDay creates an interval firing every n days.
func EveryDay(n int) DayInterval {
	return DayInterval{Every: max(1, n)}
}

// AtTimes anchors occurrences to specific times of day.
// Times are deduplicated and sorted ascending on assignment.
func (i DayInterval) AtTimes(times ...TimeOfDay) DayInterval {
	i.OnTimes = normalizeTimes(times)
	return i
}

// OnWeekdays restricts occurrences to the given weekdays.
func (i DayInterval) OnWeekdays(days ...time.Weekday) DayInterval {
	i.OnDays = normalizeWeekdays(days)
	return i
}

func (i DayInterval) Next(after time.Time) (time.Time, bool) {
	after = after.UTC()
	next := after.AddDate(0, 0, max(1, i.Every))

	if len(i.OnTimes) > 0 {
		// Smallest configured time later than the current wall-clock time,
		// else the earliest time (the date already advanced a full cycle).
		tod := i.OnTimes[0]
		cur := timeOfDay(after)
		for _, t := range i.OnTimes {
			if t.After(cur) {
				tod = t
				break
			}
		}
		next = tod.On(next)
	}

	if len(i.OnDays) > 0 {
		for !weekdayIn(next.Weekday(), i.OnDays) {
			next = next.AddDate(0, 0, 1)
		}
	}

	return next, true
}

func (i DayInterval) String() string {
	s := fmt.Sprintf("every %d day(s)", max(1, i.Every))
	if len(i.OnDays) > 0 {
		s += " on " + weekdayList(i.OnDays)
	}
	if len(i.OnTimes) > 0 {
		s += " at " + timeList(i.OnTimes)
	}
	return s
}

// WeekInterval fires every N weeks on a weekday set at specific times of day.
// Weeks start on Sunday.
type WeekInterval struct {
	Every   int            `json:"every"`
	OnDays  []time.Weekday `json:"on_days,omitempty"`
	OnTimes []TimeOfDay    `json:"on_times,omitempty"`
}

// EveryWeek creates an interval firing every n weeks.
func EveryWeek(n int) WeekInterval {
	return WeekInterval{Every: max(1, n)}
}

// OnWeekdays restricts occurrences to the given weekdays.
func (i WeekInterval) OnWeekdays(days ...time.Weekday) WeekInterval {
	i.OnDays = normalizeWeekdays(days)
	return i
}

// AtTimes anchors occurrences to specific times of day.
// Times are deduplicated and sorted ascending on assignment.
func (i WeekInterval) AtTimes(times ...TimeOfDay) WeekInterval {
	i.OnTimes = normalizeTimes(times)
	return i
}

func (i WeekInterval) Next(after time.Time) (time.Time, bool) {
	after = after.UTC()
	every := max(1, i.Every)

	times := i.OnTimes
	if len(times) == 0 {
		times = []TimeOfDay{{}} // midnight default
	}
	days := i.OnDays
	if len(days) == 0 {
		days = []time.Weekday{after.Weekday()}
	}

	// A later time today, when today is a permitted day.
	if weekdayIn(after.Weekday(), days) {
		cur := timeOfDay(after)
		for _, t := range times {
			if t.After(cur) {
				return t.On(after), true
			}
		}
	}

	// Next permitted day within the current week.
	for d := 1; d <= 6; d++ {
		candidate := after.AddDate(0, 0, d)
		if candidate.Weekday() == time.Sunday {
			break // crossed into the next week
		}
		if weekdayIn(candidate.Weekday(), days) {
			return times[0].On(candidate), true
		}
	}

	// Start of the next N-week period, first permitted weekday.
	weekStart := after.AddDate(0, 0, -int(after.Weekday()))
	next := weekStart.AddDate(0, 0, 7*every)
	for !weekdayIn(next.Weekday(), days) {
		next = next.AddDate(0, 0, 1)
	}
	return times[0].On(next), true
}

func (i WeekInterval) String() string {
	s := fmt.Sprintf("every %d week(s)", max(1, i.Every))
	if len(i.OnDays) > 0 {
		s += " on " + weekdayList(i.OnDays)
	}
	if len(i.OnTimes) > 0 {
		s += " at " + timeList(i.OnTimes)
	}
	return s
}

// MonthInterval fires every N months with a day-of-month selector.
// At most one of OnDay, OnDays, or OnFirst should be set; precedence
// is OnFirst, then OnDay, then OnDays.
type MonthInterval struct {
	Every   int           `json:"every"`
	OnDay   *int          `json:"on_day,omitempty"`
	OnDays  []int         `json:"on_days,omitempty"`
	OnFirst *time.Weekday `json:"on_first,omitempty"`
	Months  []time.Month  `json:"months,omitempty"`
	OnTimes []TimeOfDay   `json:"on_times,omitempty"`
}

// EveryMonth creates an interval firing every n months.
func EveryMonth(n int) MonthInterval {
	return MonthInterval{Every: max(1, n)}
}

// OnDayOfMonth anchors occurrences to a day of the month.
// Days beyond the month's length are clamped to the last day.
func (i MonthInterval) OnDayOfMonth(day int) MonthInterval {
	if day >= 1 && day <= 31 {
		i.OnDay = &day
	}
	return i
}

// OnDaysOfMonth restricts occurrences to a set of days of the month.
func (i MonthInterval) OnDaysOfMonth(days ...int) MonthInterval {
	i.OnDays = normalizeInts(days)
	return i
}

// OnFirstWeekday anchors occurrences to the first occurrence of the given
// weekday in the target month.
func (i MonthInterval) OnFirstWeekday(day time.Weekday) MonthInterval {
	i.OnFirst = &day
	return i
}

// InMonths restricts occurrences to the given months.
func (i MonthInterval) InMonths(months ...time.Month) MonthInterval {
	i.Months = normalizeMonths(months)
	return i
}

// AtTimes anchors occurrences to specific times of day.
// Times are deduplicated and sorted ascending on assignment.
func (i MonthInterval) AtTimes(times ...TimeOfDay) MonthInterval {
	i.OnTimes = normalizeTimes(times)
	return i
}

func (i MonthInterval) Next(after time.Time) (time.Time, bool) {
	after = after.UTC()
	every := max(1, i.Every)

	year, month := after.Year(), after.Month()
	// Bounded search: the month set intersection can skip up to a year,
	// and multi-month steps stretch that further.
	for hop := 0; hop < 48; hop++ {
		month += time.Month(every)
		for month > 12 {
			month -= 12
			year++
		}
		if len(i.Months) > 0 && !monthIn(month, i.Months) {
			continue
		}

		day, ok := i.dayInMonth(year, month, after)
		if !ok {
			continue
		}

		next := time.Date(year, month, day, after.Hour(), after.Minute(), after.Second(), 0, time.UTC)
		if len(i.OnTimes) > 0 {
			next = i.OnTimes[0].On(next)
		}
		if next.After(after) {
			return next, true
		}
	}
	return time.Time{}, false
}

// dayInMonth resolves the target day of the month for an occurrence.
func (i MonthInterval) dayInMonth(year int, month time.Month, after time.Time) (int, bool) {
	last := daysInMonth(year, month)

	switch {
	case i.OnFirst != nil:
		first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		offset := (int(*i.OnFirst) - int(first.Weekday()) + 7) % 7
		return 1 + offset, true
	case i.OnDay != nil:
		return min(*i.OnDay, last), true
	case len(i.OnDays) > 0:
		// Next valid day at or after the anchor day, else the first valid
		// day (the hop loop advances to the following cycle).
		for _, d := range i.OnDays {
			if d >= after.Day() && d <= last {
				return d, true
			}
		}
		if i.OnDays[0] <= last {
			return i.OnDays[0], true
		}
		return 0, false
	default:
		return min(after.Day(), last), true
	}
}

func (i MonthInterval) String() string {
	s := fmt.Sprintf("every %d month(s)", max(1, i.Every))
	switch {
	case i.OnFirst != nil:
		s += fmt.Sprintf(" on the first %s", i.OnFirst.String())
	case i.OnDay != nil:
		s += fmt.Sprintf(" on day %d", *i.OnDay)
	case len(i.OnDays) > 0:
		s += fmt.Sprintf(" on days %v", i.OnDays)
	}
	if len(i.Months) > 0 {
		s += " in " + monthList(i.Months)
	}
	if len(i.OnTimes) > 0 {
		s += " at " + timeList(i.OnTimes)
	}
	return s
}

// snapToSecond advances t to the next instant whose second equals s.
func snapToSecond(t time.Time, s int) time.Time {
	if t.Second() == s {
		return t.Truncate(time.Second)
	}
	snapped := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), s, 0, time.UTC)
	if snapped.Before(t) {
		snapped = snapped.Add(time.Minute)
	}
	return snapped
}

func weekdayIn(day time.Weekday, set []time.Weekday) bool {
	for _, d := range set {
		if d == day {
			return true
		}
	}
	return false
}

func monthIn(month time.Month, set []time.Month) bool {
	for _, m := range set {
		if m == month {
			return true
		}
	}
	return false
}

func weekdayList(days []time.Weekday) string {
	names := make([]string, len(days))
	for i, d := range days {
		names[i] = d.String()
	}
	return strings.Join(names, ", ")
}

func timeList(times []TimeOfDay) string {
	names := make([]string, len(times))
	for i, t := range times {
		names[i] = t.String()
	}
	return strings.Join(names, ", ")
}

func monthList(months []time.Month) string {
	names := make([]string, len(months))
	for i, m := range months {
		names[i] = m.String()
	}
	return strings.Join(names, ", ")
}
