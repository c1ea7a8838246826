package checkin_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/updatekit/omaha/checkin"
	"github.com/updatekit/omaha/testutil"
)

func TestRunner_DrivesCycles(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitLong)
	f := newFixture(t, checkin.Options{})
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Named("runner")

	newTimerTrap := f.clock.Trap().NewTimer("checkin")
	defer newTimerTrap.Close()
	resetTrap := f.clock.Trap().TimerReset("checkin")
	defer resetTrap.Close()

	runner := checkin.NewRunner(logger, f.sched, checkin.RunnerOptions{Clock: f.clock})
	defer runner.Close()

	// The first cycle runs before the timer is armed: install event plus
	// the follow-up routine request.
	call := newTimerTrap.MustWait(ctx)
	require.Equal(t, 10*time.Minute, call.Duration,
		"armed for the next new-request time")
	call.MustRelease(ctx)
	require.Len(t, f.server.recorded(), 2)

	// Firing the timer runs another cycle and re-arms the same timer.
	f.clock.Advance(10 * time.Minute).MustWait(ctx)
	call = resetTrap.MustWait(ctx)
	require.Equal(t, 10*time.Minute, call.Duration)
	call.MustRelease(ctx)
	require.Len(t, f.server.recorded(), 3)

	require.NoError(t, runner.Close())
}

func TestRunner_IdleRechecksLater(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitLong)
	f := newFixture(t, checkin.Options{
		ActivelyUsed: func() bool { return false },
	})
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Named("runner")

	newTimerTrap := f.clock.Trap().NewTimer("checkin")
	defer newTimerTrap.Close()

	runner := checkin.NewRunner(logger, f.sched, checkin.RunnerOptions{
		Clock:           f.clock,
		RecheckInterval: 42 * time.Minute,
	})
	defer runner.Close()

	call := newTimerTrap.MustWait(ctx)
	require.Equal(t, 42*time.Minute, call.Duration,
		"an idle application is only rechecked, not pinged")
	call.MustRelease(ctx)
	require.Empty(t, f.server.recorded())

	require.NoError(t, runner.Close())
}
