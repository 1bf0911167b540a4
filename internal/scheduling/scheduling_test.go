package scheduling

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerStartup(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler()
	require.NoError(t, err)
	require.Empty(t, scheduler.jobs, "Scheduler should have no registered jobs after creation")
}

func TestSchedulerUsage(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler()
	require.NoError(t, err)

	// Register the periodic check.
	err = scheduler.RegisterIntervalJob(JobUpdateCheck, 6*time.Hour, func(_ context.Context) error { return nil })
	require.NoError(t, err)
	require.True(t, scheduler.HasJob(JobUpdateCheck))

	// Register the cleanup job.
	err = scheduler.RegisterJob(JobCleanup, "0 4 * * *", func(_ context.Context) error { return nil })
	require.NoError(t, err)
	require.Len(t, scheduler.jobs, 2)

	// Changing the frequency updates the existing job.
	id := scheduler.jobs[JobUpdateCheck]

	err = scheduler.RegisterIntervalJob(JobUpdateCheck, time.Hour, func(_ context.Context) error { return nil })
	require.NoError(t, err)
	require.Len(t, scheduler.jobs, 2)
	require.Equal(t, id, scheduler.jobs[JobUpdateCheck])

	err = scheduler.RegisterIntervalJob(JobUpdateCheck, 0, func(_ context.Context) error { return nil })
	require.ErrorIs(t, err, ErrInvalidInterval)

	// Removing a job.
	require.NoError(t, scheduler.RemoveJob(JobUpdateCheck))
	require.False(t, scheduler.HasJob(JobUpdateCheck))
	require.NoError(t, scheduler.RemoveJob(JobUpdateCheck))
	require.Len(t, scheduler.jobs, 1)
}

func TestSchedulerRuns(t *testing.T) {
	t.Parallel()

	scheduler, err := NewScheduler()
	require.NoError(t, err)

	var runs atomic.Int32

	err = scheduler.RegisterIntervalJob(JobUpdateCheck, 10*time.Millisecond, func(_ context.Context) error {
		runs.Add(1)

		return nil
	})
	require.NoError(t, err)

	scheduler.Start()

	t.Cleanup(func() { _ = scheduler.Shutdown() })

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)

	next, ok := scheduler.NextRun(JobUpdateCheck)
	require.True(t, ok)
	require.False(t, next.IsZero())

	_, ok = scheduler.NextRun(JobCleanup)
	require.False(t, ok)
}

func TestCrontabValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		crontab  string
		expected error
	}{
		{
			name:     "Valid standard cron",
			crontab:  "0 0 * * *",
			expected: nil,
		},
		{
			name:     "Too few fields",
			crontab:  "0 0 * *",
			expected: ErrInvalidCronTab,
		},
		{
			name:     "Too many fields",
			crontab:  "0 0 * * * *",
			expected: ErrInvalidCronTab,
		},
		{
			name:     "Non-numeric characters",
			crontab:  "a b c d e",
			expected: ErrInvalidCronTab,
		},
		{
			name:     "Empty string",
			crontab:  "",
			expected: ErrInvalidCronTab,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, ValidateCronTab(tc.crontab))

			scheduler, err := NewScheduler()
			require.NoError(t, err)

			got := scheduler.RegisterJob(JobCleanup, tc.crontab, func(_ context.Context) error { return nil })
			require.Equal(t, tc.expected, got, tc.name)
		})
	}
}
