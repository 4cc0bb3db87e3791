package recurring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskengine/core/recurring"
)

func TestSecondInterval(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 11, 15, 12, 0, 0, 0, time.UTC)

	next, ok := recurring.EverySecond(10).Next(now)
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Second), next)

	t.Run("zero normalized to one", func(t *testing.T) {
		t.Parallel()

		next, ok := recurring.EverySecond(0).Next(now)
		require.True(t, ok)
		assert.Equal(t, now.Add(time.Second), next)
	})
}

func TestMinuteInterval(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 11, 15, 12, 0, 45, 0, time.UTC)

	t.Run("plain", func(t *testing.T) {
		t.Parallel()

		next, ok := recurring.EveryMinute(5).Next(now)
		require.True(t, ok)
		assert.Equal(t, now.Add(5*time.Minute), next)
	})

	t.Run("snaps to second anchor", func(t *testing.T) {
		t.Parallel()

		next, ok := recurring.EveryMinute(1).AtSecond(30).Next(now)
		require.True(t, ok)
		// 12:01:45 snaps forward to 12:02:30.
		assert.Equal(t, time.Date(2023, 11, 15, 12, 2, 30, 0, time.UTC), next)
	})
}

func TestHourInterval(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 11, 15, 12, 40, 10, 0, time.UTC)

	next, ok := recurring.EveryHour(2).AtMinute(15).AtSecond(0).Next(now)
	require.True(t, ok)
	// 14:40:10 snaps forward to 15:15:00.
	assert.Equal(t, time.Date(2023, 11, 15, 15, 15, 0, 0, time.UTC), next)
}

func TestDayInterval(t *testing.T) {
	t.Parallel()

	// Wednesday.
	now := time.Date(2023, 11, 15, 9, 30, 0, 0, time.UTC)

	t.Run("plain keeps time of day", func(t *testing.T) {
		t.Parallel()

		next, ok := recurring.EveryDay(1).Next(now)
		require.True(t, ok)
		assert.Equal(t, now.AddDate(0, 0, 1), next)
	})

	t.Run("picks next configured time", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryDay(1).AtTimes(
			recurring.At(8, 0, 0),
			recurring.At(18, 0, 0),
		)
		next, ok := interval.Next(now)
		require.True(t, ok)
		// 09:30 is past 08:00, so the next cycle runs at 18:00.
		assert.Equal(t, time.Date(2023, 11, 16, 18, 0, 0, 0, time.UTC), next)
	})

	t.Run("rolls to first time when day exhausted", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryDay(1).AtTimes(recurring.At(8, 0, 0))
		next, ok := interval.Next(now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 11, 16, 8, 0, 0, 0, time.UTC), next)
	})

	t.Run("advances to permitted weekday", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryDay(1).OnWeekdays(time.Monday)
		next, ok := interval.Next(now)
		require.True(t, ok)
		assert.Equal(t, time.Monday, next.Weekday())
		assert.Equal(t, time.Date(2023, 11, 20, 9, 30, 0, 0, time.UTC), next)
	})
}

func TestWeekInterval(t *testing.T) {
	t.Parallel()

	// Wednesday.
	now := time.Date(2023, 11, 15, 9, 30, 0, 0, time.UTC)

	t.Run("later time same day", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryWeek(1).
			OnWeekdays(time.Wednesday).
			AtTimes(recurring.At(8, 0, 0), recurring.At(18, 0, 0))
		next, ok := interval.Next(now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 11, 15, 18, 0, 0, 0, time.UTC), next)
	})

	t.Run("next permitted day within week", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryWeek(1).
			OnWeekdays(time.Friday).
			AtTimes(recurring.At(8, 0, 0))
		next, ok := interval.Next(now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 11, 17, 8, 0, 0, 0, time.UTC), next)
	})

	t.Run("rolls into next period", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryWeek(2).
			OnWeekdays(time.Monday).
			AtTimes(recurring.At(8, 0, 0))
		next, ok := interval.Next(now)
		require.True(t, ok)
		// Week of Nov 12 (Sunday start) + 2 weeks = Nov 26; first Monday is Nov 27.
		assert.Equal(t, time.Date(2023, 11, 27, 8, 0, 0, 0, time.UTC), next)
	})

	t.Run("defaults to midnight", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryWeek(1).OnWeekdays(time.Thursday)
		next, ok := interval.Next(now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 11, 16, 0, 0, 0, 0, time.UTC), next)
	})
}

func TestMonthInterval(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC)

	t.Run("first weekday of target month", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryMonth(1).OnFirstWeekday(time.Monday)
		next, ok := interval.Next(now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 12, 4, 0, 0, 0, 0, time.UTC), next)
	})

	t.Run("month end clamping", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryMonth(1).OnDayOfMonth(31)
		next, ok := interval.Next(time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC))
		require.True(t, ok)
		// 2024 is a leap year: day 31 clamps to February 29.
		assert.Equal(t, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC), next)
	})

	t.Run("day set picks next at or after anchor", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryMonth(1).OnDaysOfMonth(1, 20)
		next, ok := interval.Next(now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 12, 20, 0, 0, 0, 0, time.UTC), next)
	})

	t.Run("month set intersection", func(t *testing.T) {
		t.Parallel()

		interval := recurring.EveryMonth(1).
			OnDayOfMonth(1).
			InMonths(time.March).
			AtTimes(recurring.At(9, 0, 0))
		next, ok := interval.Next(now)
		require.True(t, ok)
		assert.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), next)
	})
}

func TestCronInterval(t *testing.T) {
	t.Parallel()

	t.Run("six field with seconds", func(t *testing.T) {
		t.Parallel()

		interval, err := recurring.Cron("0 */5 * * * *")
		require.NoError(t, err)

		next, ok := interval.Next(time.Date(2023, 11, 15, 12, 7, 34, 0, time.UTC))
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 11, 15, 12, 10, 0, 0, time.UTC), next)
	})

	t.Run("five field", func(t *testing.T) {
		t.Parallel()

		interval, err := recurring.Cron("30 8 * * 1")
		require.NoError(t, err)

		next, ok := interval.Next(time.Date(2023, 11, 15, 12, 0, 0, 0, time.UTC))
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 11, 20, 8, 30, 0, 0, time.UTC), next)
	})

	t.Run("invalid expression", func(t *testing.T) {
		t.Parallel()

		_, err := recurring.Cron("not a cron")
		assert.Error(t, err)
	})

	t.Run("reparses after round trip", func(t *testing.T) {
		t.Parallel()

		interval := recurring.CronInterval{Expr: "*/10 * * * *"}
		next, ok := interval.Next(time.Date(2023, 11, 15, 12, 3, 0, 0, time.UTC))
		require.True(t, ok)
		assert.Equal(t, time.Date(2023, 11, 15, 12, 10, 0, 0, time.UTC), next)
	})
}

func TestAtTimesNormalization(t *testing.T) {
	t.Parallel()

	interval := recurring.EveryDay(1).AtTimes(
		recurring.At(18, 0, 0),
		recurring.At(8, 0, 0),
		recurring.At(18, 0, 0),
		recurring.At(12, 30, 0),
	)

	require.Len(t, interval.OnTimes, 3)
	assert.Equal(t, recurring.At(8, 0, 0), interval.OnTimes[0])
	assert.Equal(t, recurring.At(12, 30, 0), interval.OnTimes[1])
	assert.Equal(t, recurring.At(18, 0, 0), interval.OnTimes[2])
}
