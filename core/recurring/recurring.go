package recurring

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// closeInTolerance is the window within which a run-now candidate yields
// to the interval's first occurrence. Without it, scheduling lag around
// the first tick can fire the task twice in quick succession.
const closeInTolerance = time.Second

// Task describes a recurring cadence: exactly one interval variant,
// optional first-run anchors, and optional bounds.
//
// Construct with New and the With* options:
//
//	cfg := recurring.New(recurring.EveryMinute(5),
//		recurring.WithRunNow(),
//		recurring.WithMaxRuns(10),
//	)
type Task struct {
	// First-run anchors. At most one is honored, in this order:
	// RunNow, SpecificRunTime, InitialDelay.
	RunNow          bool           `json:"run_now,omitempty"`
	SpecificRunTime *time.Time     `json:"specific_run_time,omitempty"`
	InitialDelay    *time.Duration `json:"initial_delay,omitempty"`

	// Interval is the cadence variant. Nil means the task fires only once
	// at its anchor.
	Interval Interval `json:"-"`

	// Bounds.
	MaxRuns  *int       `json:"max_runs,omitempty"`
	RunUntil *time.Time `json:"run_until,omitempty"`
}

// Option configures a recurring Task.
type Option func(*Task)

// WithRunNow fires the first run immediately, then follows the interval.
func WithRunNow() Option {
	return func(t *Task) {
		t.RunNow = true
	}
}

// WithFirstRunAt schedules the first run at an absolute instant.
// The instant is normalized to UTC.
func WithFirstRunAt(at time.Time) Option {
	return func(t *Task) {
		utc := at.UTC()
		t.SpecificRunTime = &utc
	}
}

// WithInitialDelay schedules the first run after a relative delay.
func WithInitialDelay(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.InitialDelay = &d
		}
	}
}

// WithMaxRuns bounds the total number of runs.
func WithMaxRuns(n int) Option {
	return func(t *Task) {
		if n > 0 {
			t.MaxRuns = &n
		}
	}
}

// WithRunUntil stops scheduling new runs past the given instant.
// The instant is normalized to UTC.
func WithRunUntil(until time.Time) Option {
	return func(t *Task) {
		utc := until.UTC()
		t.RunUntil = &utc
	}
}

// New creates a recurring Task with the given interval and options.
func New(interval Interval, opts ...Option) Task {
	t := Task{Interval: interval}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

// NextValidRun computes the next execution instant, or false when no
// further run is due.
//
// Precedence:
//  1. MaxRuns exhausted: no run.
//  2. RunUntil passed at the reference instant: no run.
//  3. First run honors the anchor (run-now, absolute instant, delay);
//     a run-now candidate yields to the interval's first occurrence when
//     they land within one second of each other.
//  4. Later runs follow the interval from max(scheduled, reference).
//  5. A past anchor surfaces unchanged on the first run (the queue fires
//     it immediately); on later runs a past candidate means no run.
//
// Callers should pass the same instant for scheduled and reference on
// first dispatch so millisecond drift cannot elide a run-now anchor.
func (t Task) NextValidRun(scheduled time.Time, currentRun int, reference time.Time) (time.Time, bool) {
	reference = reference.UTC()

	if t.MaxRuns != nil && currentRun >= *t.MaxRuns {
		return time.Time{}, false
	}
	if t.RunUntil != nil && reference.After(*t.RunUntil) {
		return time.Time{}, false
	}

	if currentRun == 0 {
		if candidate, ok := t.firstRun(reference); ok {
			return t.withinBounds(candidate)
		}
	}

	if t.Interval == nil {
		return time.Time{}, false
	}

	from := reference
	if s := scheduled.UTC(); s.After(from) {
		from = s
	}
	next, ok := t.Interval.Next(from)
	if !ok {
		return time.Time{}, false
	}
	if currentRun > 0 && next.Before(reference) {
		return time.Time{}, false
	}
	return t.withinBounds(next)
}

// firstRun resolves the first-run anchor, if any.
func (t Task) firstRun(reference time.Time) (time.Time, bool) {
	switch {
	case t.RunNow:
		candidate := reference
		if t.Interval != nil {
			if next, ok := t.Interval.Next(reference); ok && next.Sub(candidate) <= closeInTolerance {
				// The interval's first tick overlaps the immediate run;
				// firing both would double-execute.
				candidate = next
			}
		}
		return candidate, true
	case t.SpecificRunTime != nil:
		return t.SpecificRunTime.UTC(), true
	case t.InitialDelay != nil:
		return reference.Add(*t.InitialDelay), true
	default:
		return time.Time{}, false
	}
}

func (t Task) withinBounds(candidate time.Time) (time.Time, bool) {
	if t.RunUntil != nil && candidate.After(*t.RunUntil) {
		return time.Time{}, false
	}
	return candidate, true
}

// String returns a human-readable description of the cadence.
func (t Task) String() string {
	var parts []string
	switch {
	case t.RunNow:
		parts = append(parts, "run now")
	case t.SpecificRunTime != nil:
		parts = append(parts, "first run at "+t.SpecificRunTime.Format(time.RFC3339))
	case t.InitialDelay != nil:
		parts = append(parts, "first run after "+t.InitialDelay.String())
	}
	if t.Interval != nil {
		parts = append(parts, t.Interval.String())
	}
	if t.MaxRuns != nil {
		parts = append(parts, fmt.Sprintf("max %d run(s)", *t.MaxRuns))
	}
	if t.RunUntil != nil {
		parts = append(parts, "until "+t.RunUntil.Format(time.RFC3339))
	}
	if len(parts) == 0 {
		return "one-shot"
	}
	return strings.Join(parts, ", ")
}

// Interval variant discriminators used in the persisted JSON envelope.
const (
	variantSecond = "second"
	variantMinute = "minute"
	variantHour   = "hour"
	variantDay    = "day"
	variantWeek   = "week"
	variantMonth  = "month"
	variantCron   = "cron"
)

type intervalEnvelope struct {
	Variant string          `json:"variant"`
	Config  json.RawMessage `json:"config"`
}

type taskEnvelope struct {
	RunNow          bool              `json:"run_now,omitempty"`
	SpecificRunTime *time.Time        `json:"specific_run_time,omitempty"`
	InitialDelay    *time.Duration    `json:"initial_delay,omitempty"`
	Interval        *intervalEnvelope `json:"interval,omitempty"`
	MaxRuns         *int              `json:"max_runs,omitempty"`
	RunUntil        *time.Time        `json:"run_until,omitempty"`
}

// MarshalJSON serializes the task with a tagged interval envelope so the
// concrete variant survives a round-trip through storage.
func (t Task) MarshalJSON() ([]byte, error) {
	env := taskEnvelope{
		RunNow:          t.RunNow,
		SpecificRunTime: t.SpecificRunTime,
		InitialDelay:    t.InitialDelay,
		MaxRuns:         t.MaxRuns,
		RunUntil:        t.RunUntil,
	}

	if t.Interval != nil {
		variant, err := intervalVariant(t.Interval)
		if err != nil {
			return nil, err
		}
		cfg, err := json.Marshal(t.Interval)
		if err != nil {
			return nil, err
		}
		env.Interval = &intervalEnvelope{Variant: variant, Config: cfg}
	}

	return json.Marshal(env)
}

// UnmarshalJSON restores a task from its tagged envelope.
func (t *Task) UnmarshalJSON(data []byte) error {
	var env taskEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	*t = Task{
		RunNow:          env.RunNow,
		SpecificRunTime: env.SpecificRunTime,
		InitialDelay:    env.InitialDelay,
		MaxRuns:         env.MaxRuns,
		RunUntil:        env.RunUntil,
	}

	if env.Interval == nil {
		return nil
	}

	interval, err := decodeInterval(env.Interval.Variant, env.Interval.Config)
	if err != nil {
		return err
	}
	t.Interval = interval
	return nil
}

func intervalVariant(i Interval) (string, error) {
	switch i.(type) {
	case SecondInterval:
		return variantSecond, nil
	case MinuteInterval:
		return variantMinute, nil
	case HourInterval:
		return variantHour, nil
	case DayInterval:
		return variantDay, nil
	case WeekInterval:
		return variantWeek, nil
	case MonthInterval:
		return variantMonth, nil
	case CronInterval:
		return variantCron, nil
	default:
		return "", fmt.Errorf("recurring: unknown interval type %T", i)
	}
}

func decodeInterval(variant string, cfg json.RawMessage) (Interval, error) {
	switch variant {
	case variantSecond:
		var i SecondInterval
		return i, json.Unmarshal(cfg, &i)
	case variantMinute:
		var i MinuteInterval
		return i, json.Unmarshal(cfg, &i)
	case variantHour:
		var i HourInterval
		return i, json.Unmarshal(cfg, &i)
	case variantDay:
		var i DayInterval
		return i, json.Unmarshal(cfg, &i)
	case variantWeek:
		var i WeekInterval
		return i, json.Unmarshal(cfg, &i)
	case variantMonth:
		var i MonthInterval
		return i, json.Unmarshal(cfg, &i)
	case variantCron:
		var i CronInterval
		return i, json.Unmarshal(cfg, &i)
	default:
		return nil, fmt.Errorf("recurring: unknown interval variant %q", variant)
	}
}

// MinimumPeriod estimates the smallest gap between consecutive runs.
// Used by the dispatcher to decide lazy handler materialization.
func (t Task) MinimumPeriod() time.Duration {
	if t.Interval == nil {
		return 0
	}
	switch i := t.Interval.(type) {
	case SecondInterval:
		return time.Duration(max(1, i.Every)) * time.Second
	case MinuteInterval:
		return time.Duration(max(1, i.Every)) * time.Minute
	case HourInterval:
		return time.Duration(max(1, i.Every)) * time.Hour
	case DayInterval:
		if len(i.OnTimes) > 1 {
			return minTimeGap(i.OnTimes)
		}
		return time.Duration(max(1, i.Every)) * 24 * time.Hour
	case WeekInterval:
		if len(i.OnTimes) > 1 {
			return minTimeGap(i.OnTimes)
		}
		if len(i.OnDays) > 1 {
			return 24 * time.Hour
		}
		return time.Duration(max(1, i.Every)) * 7 * 24 * time.Hour
	case MonthInterval:
		if len(i.OnTimes) > 1 {
			return minTimeGap(i.OnTimes)
		}
		if len(i.OnDays) > 1 {
			return 24 * time.Hour
		}
		return 28 * 24 * time.Hour
	case CronInterval:
		// Probe two occurrences; good enough for the lazy heuristic.
		now := time.Now().UTC()
		first, ok := i.Next(now)
		if !ok {
			return 0
		}
		second, ok := i.Next(first)
		if !ok {
			return 0
		}
		return second.Sub(first)
	default:
		return 0
	}
}

func minTimeGap(times []TimeOfDay) time.Duration {
	gap := 24 * time.Hour
	for i := 1; i < len(times); i++ {
		if d := times[i].Duration() - times[i-1].Duration(); d < gap {
			gap = d
		}
	}
	return gap
}
