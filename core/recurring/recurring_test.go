package recurring_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/taskengine/core/recurring"
)

func TestNextValidRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 11, 15, 12, 0, 0, 0, time.UTC)

	t.Run("max runs exhausted", func(t *testing.T) {
		t.Parallel()

		cfg := recurring.New(recurring.EverySecond(1), recurring.WithMaxRuns(3))
		_, ok := cfg.NextValidRun(now, 3, now)
		assert.False(t, ok)
	})

	t.Run("run until passed", func(t *testing.T) {
		t.Parallel()

		cfg := recurring.New(recurring.EveryMinute(1), recurring.WithRunUntil(now.Add(-time.Hour)))
		_, ok := cfg.NextValidRun(now, 0, now)
		assert.False(t, ok)
	})

	t.Run("run until caps candidate", func(t *testing.T) {
		t.Parallel()

		cfg := recurring.New(recurring.EveryHour(2), recurring.WithRunUntil(now.Add(time.Hour)))
		_, ok := cfg.NextValidRun(now, 1, now)
		assert.False(t, ok)
	})

	t.Run("run now returns reference on first run", func(t *testing.T) {
		t.Parallel()

		cfg := recurring.New(recurring.EveryMinute(5), recurring.WithRunNow())
		next, ok := cfg.NextValidRun(now, 0, now)
		require.True(t, ok)
		// Never earlier than the reference instant itself.
		assert.False(t, next.Before(now.Add(-time.Millisecond)))
		assert.Equal(t, now, next)
	})

	t.Run("run now yields to close first tick", func(t *testing.T) {
		t.Parallel()

		cfg := recurring.New(recurring.EverySecond(1), recurring.WithRunNow())
		next, ok := cfg.NextValidRun(now, 0, now)
		require.True(t, ok)
		// The interval's first occurrence is within one second of the
		// immediate candidate, so it wins to avoid a double fire.
		assert.Equal(t, now.Add(time.Second), next)
	})

	t.Run("specific run time in past surfaces unchanged on first run", func(t *testing.T) {
		t.Parallel()

		past := now.Add(-time.Hour)
		cfg := recurring.New(recurring.EveryHour(1), recurring.WithFirstRunAt(past))
		next, ok := cfg.NextValidRun(now, 0, now)
		require.True(t, ok)
		assert.Equal(t, past, next)
	})

	t.Run("initial delay", func(t *testing.T) {
		t.Parallel()

		cfg := recurring.New(recurring.EveryHour(1), recurring.WithInitialDelay(10*time.Minute))
		next, ok := cfg.NextValidRun(now, 0, now)
		require.True(t, ok)
		assert.Equal(t, now.Add(10*time.Minute), next)
	})

	t.Run("subsequent runs follow interval", func(t *testing.T) {
		t.Parallel()

		cfg := recurring.New(recurring.EveryMinute(5), recurring.WithRunNow())
		next, ok := cfg.NextValidRun(now, 1, now)
		require.True(t, ok)
		assert.Equal(t, now.Add(5*time.Minute), next)
	})

	t.Run("interval advances from scheduled when later", func(t *testing.T) {
		t.Parallel()

		scheduled := now.Add(30 * time.Minute)
		cfg := recurring.New(recurring.EveryMinute(5))
		next, ok := cfg.NextValidRun(scheduled, 2, now)
		require.True(t, ok)
		assert.Equal(t, scheduled.Add(5*time.Minute), next)
	})

	t.Run("no interval and no anchor", func(t *testing.T) {
		t.Parallel()

		var cfg recurring.Task
		_, ok := cfg.NextValidRun(now, 0, now)
		assert.False(t, ok)
	})
}

func TestTaskJSONRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  recurring.Task
	}{
		{"second", recurring.New(recurring.EverySecond(30))},
		{"minute anchored", recurring.New(recurring.EveryMinute(10).AtSecond(15))},
		{"hour anchored", recurring.New(recurring.EveryHour(6).AtMinute(45))},
		{"day", recurring.New(
			recurring.EveryDay(2).
				AtTimes(recurring.At(8, 0, 0), recurring.At(20, 0, 0)).
				OnWeekdays(time.Monday, time.Friday),
			recurring.WithMaxRuns(5),
		)},
		{"week", recurring.New(
			recurring.EveryWeek(1).
				OnWeekdays(time.Wednesday).
				AtTimes(recurring.At(12, 0, 0)),
			recurring.WithRunNow(),
		)},
		{"month", recurring.New(
			recurring.EveryMonth(3).
				OnFirstWeekday(time.Monday).
				InMonths(time.January, time.July),
		)},
		{"cron", recurring.New(recurring.MustCron("0 */5 * * * *"))},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			data, err := json.Marshal(tc.cfg)
			require.NoError(t, err)

			var restored recurring.Task
			require.NoError(t, json.Unmarshal(data, &restored))

			assert.Equal(t, tc.cfg.RunNow, restored.RunNow)
			assert.Equal(t, tc.cfg.MaxRuns, restored.MaxRuns)
			require.NotNil(t, restored.Interval)
			assert.IsType(t, tc.cfg.Interval, restored.Interval)

			// The restored cadence must compute the same occurrences.
			now := time.Date(2023, 11, 15, 12, 0, 0, 0, time.UTC)
			wantNext, wantOK := tc.cfg.Interval.Next(now)
			gotNext, gotOK := restored.Interval.Next(now)
			require.Equal(t, wantOK, gotOK)
			assert.Equal(t, wantNext, gotNext)
		})
	}

	t.Run("unknown variant", func(t *testing.T) {
		t.Parallel()

		var cfg recurring.Task
		err := json.Unmarshal([]byte(`{"interval":{"variant":"bogus","config":{}}}`), &cfg)
		assert.Error(t, err)
	})
}

func TestMinimumPeriod(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30*time.Second, recurring.New(recurring.EverySecond(30)).MinimumPeriod())
	assert.Equal(t, 10*time.Minute, recurring.New(recurring.EveryMinute(10)).MinimumPeriod())
	assert.Equal(t, 48*time.Hour, recurring.New(recurring.EveryDay(2)).MinimumPeriod())

	// Two times of day four hours apart bound the gap.
	day := recurring.New(recurring.EveryDay(1).AtTimes(recurring.At(8, 0, 0), recurring.At(12, 0, 0)))
	assert.Equal(t, 4*time.Hour, day.MinimumPeriod())

	// Cron every 5 minutes probes to a 5 minute gap.
	cron := recurring.New(recurring.MustCron("*/5 * * * *"))
	assert.Equal(t, 5*time.Minute, cron.MinimumPeriod())
}

func TestTaskString(t *testing.T) {
	t.Parallel()

	cfg := recurring.New(recurring.EveryMinute(5),
		recurring.WithRunNow(),
		recurring.WithMaxRuns(10),
	)
	s := cfg.String()
	assert.Contains(t, s, "run now")
	assert.Contains(t, s, "every 5 minute(s)")
	assert.Contains(t, s, "max 10 run(s)")
}
