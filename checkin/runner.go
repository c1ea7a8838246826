package checkin

import (
	"context"
	"time"

	"cdr.dev/slog/v3"

	"github.com/coder/quartz"
)

// timerTag names the runner's timer for quartz test traps.
const timerTag = "checkin"

// RunnerOptions set optional parameters for the Runner.
type RunnerOptions struct {
	// Clock is the time source for the cycle timer; default the real
	// clock. It should be the same clock the Scheduler uses.
	Clock quartz.Clock
	// RecheckInterval is how long to sleep when the scheduler asks for no
	// firing at all (idle application, nothing outstanding), so a later
	// return to activity is noticed. Default 5h.
	RecheckInterval time.Duration
}

// Runner drives a Scheduler with a single timer, rearming it from each
// cycle's answer. One timer means one pending firing: rescheduling always
// replaces, never stacks, and cycles never overlap.
type Runner struct {
	log    slog.Logger
	sched  *Scheduler
	clock  quartz.Clock
	opts   RunnerOptions
	cancel context.CancelFunc
	closed chan struct{}
}

// NewRunner starts driving sched in a background goroutine, beginning with
// an immediate cycle. Close stops it.
func NewRunner(log slog.Logger, sched *Scheduler, opts RunnerOptions) *Runner {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.RecheckInterval == 0 {
		opts.RecheckInterval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		log:    log,
		sched:  sched,
		clock:  opts.Clock,
		opts:   opts,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	go r.run(ctx)
	return r
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.closed)

	timer := r.clock.NewTimer(r.wait(r.sched.OnTimerFired(ctx)), timerTag)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		next := r.sched.OnTimerFired(ctx)
		if ctx.Err() != nil {
			return
		}
		d := r.wait(next)
		r.log.Debug(ctx, "next check-in cycle armed", slog.F("wait", d))
		timer.Reset(d, timerTag)
	}
}

// wait converts the scheduler's desired firing time into a timer duration.
func (r *Runner) wait(next time.Time) time.Duration {
	if next.IsZero() {
		return r.opts.RecheckInterval
	}
	d := next.Sub(r.clock.Now())
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Close stops the runner and waits for any in-flight cycle to finish.
func (r *Runner) Close() error {
	r.cancel()
	<-r.closed
	return nil
}
