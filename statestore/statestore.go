// Package statestore persists the check-in scheduler's state between
// process restarts. The state is a single small JSON document written
// atomically; loading never fails, it fills in safe defaults for anything
// absent or unreadable so a corrupt file behaves like a first run.
package statestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// InstallSource describes where this installation came from. It is fixed
// the first time a request is created and reported on every request.
type InstallSource string

const (
	SourceOrganic     InstallSource = "organic"
	SourceSystemImage InstallSource = "system-image"
)

// State is the full persisted record of the check-in scheduler. At most
// one logical request is outstanding at a time; it exists iff
// CurrentRequestCreation is non-zero.
type State struct {
	// TimestampForNewRequest is the earliest time a brand-new request may
	// be created.
	TimestampForNewRequest time.Time
	// TimestampForNextPostAttempt is the earliest time the current request
	// may be posted (or retried).
	TimestampForNextPostAttempt time.Time
	// TimestampOfInstall is fixed at first run and never changed.
	TimestampOfInstall time.Time

	// CurrentRequestID is the id of the outstanding logical request. It is
	// stable across retries and regenerated only when a new request is
	// created. It is persisted across restarts only while SendInstallEvent
	// is true; a restored routine request gets a fresh id.
	CurrentRequestID       string
	CurrentRequestCreation time.Time

	// SendInstallEvent stays true until the first install-tagged request
	// has been delivered.
	SendInstallEvent bool
	InstallSource    InstallSource

	LatestKnownVersion   string
	LatestKnownMarketURL string

	FailedAttemptCount int
}

// HasRequest reports whether a logical request is outstanding.
func (s State) HasRequest() bool {
	return !s.CurrentRequestCreation.IsZero()
}

// ClearRequest drops the outstanding request, if any.
func (s *State) ClearRequest() {
	s.CurrentRequestID = ""
	s.CurrentRequestCreation = time.Time{}
}

// stateJSON is the wire form of State. Timestamps are Unix milliseconds;
// zero means absent. Key names are the stable on-disk contract.
type stateJSON struct {
	TimestampForNewRequest      int64  `json:"timestamp_for_new_request,omitempty"`
	TimestampForNextPostAttempt int64  `json:"timestamp_for_next_post_attempt,omitempty"`
	TimestampOfInstall          int64  `json:"timestamp_of_install,omitempty"`
	CurrentRequestID            string `json:"current_request_id,omitempty"`
	CurrentRequestCreation      int64  `json:"current_request_creation_timestamp,omitempty"`
	SendInstallEvent            bool   `json:"send_install_event,omitempty"`
	InstallSource               string `json:"install_source,omitempty"`
	LatestKnownVersion          string `json:"latest_known_version,omitempty"`
	LatestKnownMarketURL        string `json:"latest_known_market_url,omitempty"`
	FailedAttemptCount          int    `json:"failed_attempt_count,omitempty"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Store reads and writes State on a filesystem. The filesystem is
// abstracted so tests run against an in-memory one.
type Store struct {
	fs   afero.Fs
	path string
	log  slog.Logger
}

// New returns a Store persisting to path on fs.
func New(fs afero.Fs, path string, log slog.Logger) *Store {
	return &Store{fs: fs, path: path, log: log}
}

// FirstRun returns the state of an installation that has never run: an
// install event is owed and the install source is the given one. The
// install timestamp is left zero; the scheduler stamps it on restoration.
func FirstRun(source InstallSource) State {
	if source == "" {
		source = SourceOrganic
	}
	return State{
		SendInstallEvent: true,
		InstallSource:    source,
	}
}

// Load reads the persisted state. It never fails: a missing file, an
// unreadable file, or a corrupt document all degrade to first-run defaults,
// and individually absent fields take their zero defaults. A restored
// outstanding request that has no persisted id (a routine request, whose id
// is deliberately not written) receives a fresh one.
func (s *Store) Load(ctx context.Context) State {
	raw, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn(ctx, "read scheduler state, using defaults", slog.Error(err))
		}
		return FirstRun(SourceOrganic)
	}

	var doc stateJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.Warn(ctx, "decode scheduler state, using defaults", slog.Error(err))
		return FirstRun(SourceOrganic)
	}

	st := State{
		TimestampForNewRequest:      fromMillis(doc.TimestampForNewRequest),
		TimestampForNextPostAttempt: fromMillis(doc.TimestampForNextPostAttempt),
		TimestampOfInstall:          fromMillis(doc.TimestampOfInstall),
		CurrentRequestID:            doc.CurrentRequestID,
		CurrentRequestCreation:      fromMillis(doc.CurrentRequestCreation),
		SendInstallEvent:            doc.SendInstallEvent,
		InstallSource:               InstallSource(doc.InstallSource),
		LatestKnownVersion:          doc.LatestKnownVersion,
		LatestKnownMarketURL:        doc.LatestKnownMarketURL,
		FailedAttemptCount:          doc.FailedAttemptCount,
	}
	if st.InstallSource == "" {
		st.InstallSource = SourceOrganic
	}
	if st.FailedAttemptCount < 0 {
		st.FailedAttemptCount = 0
	}
	if st.HasRequest() && st.CurrentRequestID == "" {
		st.CurrentRequestID = uuid.NewString()
	}

	return st
}

// Save writes the state atomically: the document is written to a temporary
// file and renamed over the previous one, so a concurrent crash never
// leaves a torn document for the next Load. The id of a routine request is
// intentionally omitted; only an undelivered install event keeps its id
// across restarts so the server never sees the same install ping under two
// ids.
func (s *Store) Save(ctx context.Context, st State) error {
	doc := stateJSON{
		TimestampForNewRequest:      toMillis(st.TimestampForNewRequest),
		TimestampForNextPostAttempt: toMillis(st.TimestampForNextPostAttempt),
		TimestampOfInstall:          toMillis(st.TimestampOfInstall),
		CurrentRequestCreation:      toMillis(st.CurrentRequestCreation),
		SendInstallEvent:            st.SendInstallEvent,
		InstallSource:               string(st.InstallSource),
		LatestKnownVersion:          st.LatestKnownVersion,
		LatestKnownMarketURL:        st.LatestKnownMarketURL,
		FailedAttemptCount:          st.FailedAttemptCount,
	}
	if st.SendInstallEvent {
		doc.CurrentRequestID = st.CurrentRequestID
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return xerrors.Errorf("encode scheduler state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := s.fs.MkdirAll(dir, 0o700); err != nil {
			return xerrors.Errorf("create state directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, raw, 0o600); err != nil {
		return xerrors.Errorf("write scheduler state: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return xerrors.Errorf("replace scheduler state: %w", err)
	}

	s.log.Debug(ctx, "saved scheduler state",
		slog.F("path", s.path),
		slog.F("failed_attempts", st.FailedAttemptCount),
		slog.F("has_request", st.HasRequest()),
	)
	return nil
}
