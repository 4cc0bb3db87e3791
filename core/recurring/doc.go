// Package recurring models the cadence of repeating background tasks and
// computes their next occurrences.
//
// A cadence is described by a Task carrying exactly one Interval variant
// (seconds, minutes, hours, days, weeks, months, or a cron expression),
// optional first-run anchors (run immediately, at an absolute instant, or
// after a delay), and optional bounds (maximum run count, end instant).
//
// All computation happens in UTC. Time-of-day anchor sets are deduplicated
// and sorted ascending on assignment, so consumers can rely on ordered
// lookups regardless of insertion order.
//
// # Usage
//
//	// Every 5 minutes, first run immediately, at most 100 runs:
//	cfg := recurring.New(recurring.EveryMinute(5),
//		recurring.WithRunNow(),
//		recurring.WithMaxRuns(100),
//	)
//
//	// Every Monday and Friday at 08:30 UTC:
//	cfg = recurring.New(
//		recurring.EveryWeek(1).
//			OnWeekdays(time.Monday, time.Friday).
//			AtTimes(recurring.At(8, 30, 0)),
//	)
//
//	// Cron: every 5 minutes on second 0 (6-field form):
//	cfg = recurring.New(recurring.MustCron("0 */5 * * * *"))
//
//	next, ok := cfg.NextValidRun(now, 0, now)
//	if !ok {
//		// no further run is due
//	}
//
// Task serializes to JSON with a tagged interval envelope, so a persisted
// configuration round-trips to the same concrete variant.
package recurring
