package recurring

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both 5-field (minute-first) and 6-field
// (seconds-first) expressions, plus @every/@daily descriptors.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronInterval fires according to a cron expression evaluated in UTC.
type CronInterval struct {
	Expr string `json:"expr"`

	schedule cron.Schedule
}

// Cron creates an interval from a cron expression. The expression is
// parsed eagerly; an invalid expression returns an error.
func Cron(expr string) (CronInterval, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return CronInterval{}, err
	}
	return CronInterval{Expr: expr, schedule: schedule}, nil
}

// MustCron is like Cron but panics on an invalid expression.
// Intended for package-level schedule declarations.
func MustCron(expr string) CronInterval {
	i, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return i
}

func (i CronInterval) Next(after time.Time) (time.Time, bool) {
	schedule := i.schedule
	if schedule == nil {
		// Reconstructed from persisted state; parse on demand.
		var err error
		schedule, err = cronParser.Parse(i.Expr)
		if err != nil {
			return time.Time{}, false
		}
	}
	next := schedule.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

func (i CronInterval) String() string {
	return "cron " + i.Expr
}
