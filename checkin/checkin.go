// Package checkin decides when to ask the update server whether a newer
// version exists and reports install/usage pings, surviving process
// restarts, network outages and server errors.
//
// The Scheduler is the state machine: it owns the persisted state, creates
// at most one logical request at a time, posts it with exponential backoff
// on failure, and tells the host when it next wants to be fired. The Runner
// is an optional host-side loop that arms a timer from that answer.
package checkin

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"cdr.dev/slog/v3"

	"github.com/coder/quartz"
	"github.com/updatekit/omaha/backoff"
	"github.com/updatekit/omaha/protocol"
	"github.com/updatekit/omaha/statestore"
	"github.com/updatekit/omaha/transport"
)

// DefaultInterval is the minimum spacing between brand-new check-in
// requests.
const DefaultInterval = 5 * time.Hour

// requestAgeHeader reports how long an install event has been waiting for
// delivery. It is sent only on retries of a previously failed install
// event.
const requestAgeHeader = "X-RequestAge"

// Result is the most recently learned update information.
type Result struct {
	// Version is the newest version the server has announced, or the
	// running version when the server reported no update.
	Version string
	// MarketURL is where to obtain Version; empty when no update is
	// available.
	MarketURL string
}

// UpdateAvailable reports whether the server announced a version to move
// to.
func (r Result) UpdateAvailable() bool {
	return r.MarketURL != ""
}

// Options set parameters for the check-in scheduler. AppID, URL and Store
// are required; everything else has a default.
type Options struct {
	// AppID identifies this application to the update server.
	AppID string
	// URL is the update server endpoint payloads are posted to.
	URL string
	// Store persists scheduler state across restarts.
	Store *statestore.Store

	// Client is the HTTP client for posting; default http.DefaultClient.
	Client *http.Client
	// Clock is the time source; default the real clock.
	Clock quartz.Clock

	// Updater and UpdaterVersion identify this client on the wire.
	Updater        string
	UpdaterVersion string

	// BaseDelay is the retry delay after the first failure; default 1h.
	BaseDelay time.Duration
	// MaxDelay bounds the retry delay; default 5h.
	MaxDelay time.Duration
	// Interval is the minimum spacing between new requests; default 5h.
	Interval time.Duration
	// RequestTimeout bounds each post attempt; default 60s.
	RequestTimeout time.Duration

	// InstallSource is recorded at first run; default organic.
	InstallSource statestore.InstallSource
	// CurrentVersion supplies the currently installed version string.
	CurrentVersion func() string
	// ActivelyUsed reports whether the host application is in active use.
	// New requests are only created while it returns true; default always
	// true.
	ActivelyUsed func() bool
	// Notify is called when a check-in announces a version different from
	// the previously known one.
	Notify func(Result)
}

// Scheduler runs the check-in request lifecycle. All methods are safe for
// concurrent use; cycles are serialized so state is never read-modify-
// written by two cycles at once.
type Scheduler struct {
	log      slog.Logger
	opts     Options
	clock    quartz.Clock
	store    *statestore.Store
	client   *transport.Client
	gen      protocol.Generator
	schedule backoff.Schedule

	mu      sync.Mutex
	loaded  bool
	state   statestore.State
	pending *Result
}

// New returns a Scheduler. It performs no I/O; state is loaded lazily on
// the first cycle (or an explicit Restore).
func New(log slog.Logger, opts Options) *Scheduler {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = backoff.DefaultFloor
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = backoff.DefaultCeil
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = transport.DefaultTimeout
	}
	if opts.InstallSource == "" {
		opts.InstallSource = statestore.SourceOrganic
	}
	if opts.CurrentVersion == nil {
		opts.CurrentVersion = func() string { return "0.0.0.0" }
	}
	if opts.ActivelyUsed == nil {
		opts.ActivelyUsed = func() bool { return true }
	}
	if opts.Notify == nil {
		opts.Notify = func(Result) {}
	}

	return &Scheduler{
		log:    log,
		opts:   opts,
		clock:  opts.Clock,
		store:  opts.Store,
		client: transport.New(transport.Options{Client: opts.Client, Timeout: opts.RequestTimeout}),
		gen: protocol.Generator{
			AppID:          opts.AppID,
			Updater:        opts.Updater,
			UpdaterVersion: opts.UpdaterVersion,
		},
		schedule: backoff.Schedule{Floor: opts.BaseDelay, Ceil: opts.MaxDelay},
	}
}

// Restore loads the persisted state and repairs timestamps a device clock
// jump has pushed outside their legitimate bounds, re-persisting if
// anything was repaired. It runs at most once per Scheduler; the first
// OnTimerFired calls it implicitly.
func (s *Scheduler) Restore(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restoreLocked(ctx, s.clock.Now().UTC())
}

func (s *Scheduler) restoreLocked(ctx context.Context, now time.Time) {
	if s.loaded {
		return
	}
	st := s.store.Load(ctx)

	dirty := false
	if st.TimestampOfInstall.IsZero() {
		st.TimestampOfInstall = now
		st.InstallSource = s.opts.InstallSource
		dirty = true
	}
	// A clock jump can leave persisted deadlines further out than the
	// scheduler would ever legitimately set them. Clamp to now so the
	// installation is not silently muted (or stuck in the past) for an
	// unbounded stretch.
	if clampOutside(&st.TimestampForNewRequest, now, s.opts.Interval) {
		dirty = true
	}
	if clampOutside(&st.TimestampForNextPostAttempt, now, s.opts.MaxDelay) {
		dirty = true
	}

	s.state = st
	s.loaded = true
	if dirty {
		s.persistLocked(ctx)
	}
}

func clampOutside(ts *time.Time, now time.Time, bound time.Duration) bool {
	if ts.IsZero() {
		return false
	}
	if d := ts.Sub(now); d > bound || d < -bound {
		*ts = now
		return true
	}
	return false
}

// Latest returns the cached result of the most recent successful check-in.
// It does not touch the network.
func (s *Scheduler) Latest() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		Version:   s.state.LatestKnownVersion,
		MarketURL: s.state.LatestKnownMarketURL,
	}
}

// OnTimerFired runs one scheduling cycle: create a new request if one is
// due, post the outstanding request if its attempt time has arrived, and
// persist whatever changed. It returns the time the host should fire the
// next cycle, or the zero time when no firing is needed (nothing
// outstanding and the application is not actively used).
//
// Failures never escape: a failed attempt increases the backoff and the
// cycle ends normally.
func (s *Scheduler) OnTimerFired(ctx context.Context) time.Time {
	next, notify := s.runCycle(ctx)
	if notify != nil {
		s.opts.Notify(*notify)
	}
	return next
}

func (s *Scheduler) runCycle(ctx context.Context) (time.Time, *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	s.restoreLocked(ctx, now)
	s.pending = nil

	active := s.opts.ActivelyUsed()
	dirty := false

	if active && s.shouldRegisterLocked(now) {
		s.registerLocked(ctx, now)
		dirty = true
	}

	if s.state.HasRequest() && !now.Before(s.state.TimestampForNextPostAttempt) {
		s.postLocked(ctx, now)
		dirty = true
	}

	if dirty {
		s.persistLocked(ctx)
	}

	notify := s.pending
	s.pending = nil
	return s.nextFireTimeLocked(active), notify
}

// shouldRegisterLocked reports whether a brand-new logical request should
// be created: there is none and its time has come, or the outstanding one
// has gone stale and gets replaced.
func (s *Scheduler) shouldRegisterLocked(now time.Time) bool {
	if !s.state.HasRequest() {
		return !now.Before(s.state.TimestampForNewRequest)
	}
	return now.Sub(s.state.CurrentRequestCreation) > s.opts.Interval
}

// registerLocked creates the new logical request and makes it immediately
// eligible for posting. The install-event flag follows the persisted
// sendInstallEvent state; the failure counter is deliberately left alone,
// it resets only on success.
func (s *Scheduler) registerLocked(ctx context.Context, now time.Time) {
	s.state.CurrentRequestID = uuid.NewString()
	s.state.CurrentRequestCreation = now
	s.state.TimestampForNextPostAttempt = now
	s.log.Debug(ctx, "registered new check-in request",
		slog.F("request_id", s.state.CurrentRequestID),
		slog.F("install_event", s.state.SendInstallEvent),
	)
}

// postLocked attempts to deliver the outstanding request. A successful
// install event is immediately followed by a routine request posted in the
// same cycle under the same session id; a failure schedules the retry and
// keeps the request.
func (s *Scheduler) postLocked(ctx context.Context, now time.Time) {
	sessionID := uuid.NewString()
	for {
		info, err := s.postOnceLocked(ctx, now, sessionID)
		if err != nil {
			delay := s.schedule.DelayForAttempt(s.state.FailedAttemptCount)
			s.state.FailedAttemptCount++
			s.state.TimestampForNextPostAttempt = now.Add(delay)
			s.log.Warn(ctx, "check-in attempt failed",
				slog.Error(err),
				slog.F("failed_attempts", s.state.FailedAttemptCount),
				slog.F("next_attempt", s.state.TimestampForNextPostAttempt),
			)
			return
		}

		wasInstall := s.state.SendInstallEvent
		s.state.ClearRequest()
		s.state.FailedAttemptCount = 0
		s.state.TimestampForNewRequest = now.Add(s.opts.Interval)

		if wasInstall {
			s.state.SendInstallEvent = false
			// The install ping carries no update check; follow it with
			// the routine request right away rather than waiting a full
			// interval.
			s.registerLocked(ctx, now)
			continue
		}

		s.recordResultLocked(info)
		return
	}
}

func (s *Scheduler) postOnceLocked(ctx context.Context, now time.Time, sessionID string) (protocol.UpdateInfo, error) {
	rec := protocol.Request{
		ID:             s.state.CurrentRequestID,
		Creation:       s.state.CurrentRequestCreation,
		IsInstallEvent: s.state.SendInstallEvent,
		InstallSource:  string(s.state.InstallSource),
	}
	age := protocol.InstallAgeDays(rec, now, s.state.TimestampOfInstall)

	payload, err := s.gen.Render(rec, s.opts.CurrentVersion(), age, sessionID)
	if err != nil {
		return protocol.UpdateInfo{}, err
	}

	var headers http.Header
	if rec.IsInstallEvent && s.state.FailedAttemptCount > 0 {
		headers = http.Header{}
		headers.Set(requestAgeHeader,
			strconv.FormatInt(int64(now.Sub(rec.Creation)/time.Second), 10))
	}

	body, err := s.client.Post(ctx, s.opts.URL, payload, headers)
	if err != nil {
		return protocol.UpdateInfo{}, err
	}

	return protocol.Parse(body, s.opts.AppID, rec.IsInstallEvent)
}

// recordResultLocked caches what the server told us and queues the Notify
// callback when the announced version is news.
func (s *Scheduler) recordResultLocked(info protocol.UpdateInfo) {
	prev := s.state.LatestKnownVersion
	if info.UpdateAvailable {
		s.state.LatestKnownVersion = info.NewVersion
		s.state.LatestKnownMarketURL = info.MarketURL
		if info.NewVersion != prev {
			s.pending = &Result{Version: info.NewVersion, MarketURL: info.MarketURL}
		}
		return
	}
	s.state.LatestKnownVersion = s.opts.CurrentVersion()
	s.state.LatestKnownMarketURL = ""
}

func (s *Scheduler) persistLocked(ctx context.Context) {
	if err := s.store.Save(ctx, s.state); err != nil {
		// Nothing to do but try again at the end of the next cycle.
		s.log.Error(ctx, "persist scheduler state", slog.Error(err))
	}
}

// nextFireTimeLocked picks the earliest pending deadline. An outstanding
// request always keeps the timer alive, even when the application is idle;
// with nothing outstanding an idle application needs no timer at all.
func (s *Scheduler) nextFireTimeLocked(active bool) time.Time {
	if s.state.HasRequest() {
		return s.state.TimestampForNextPostAttempt
	}
	if !active {
		return time.Time{}
	}
	return s.state.TimestampForNewRequest
}
