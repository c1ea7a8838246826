// Package cli wires the check-in scheduler into a long-running daemon
// command.
package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/coder/serpent"
	"github.com/updatekit/omaha/buildinfo"
	"github.com/updatekit/omaha/checkin"
	"github.com/updatekit/omaha/statestore"
)

// Root returns the omahad command: a daemon that periodically checks the
// update server for a newer version and reports install/usage pings.
func Root() *serpent.Command {
	var (
		serverURL   string
		appID       string
		appVersion  string
		statePath   string
		systemImage bool
		interval    time.Duration
		verbose     bool
	)

	return &serpent.Command{
		Use:   "omahad",
		Short: "Report usage pings and poll the update server for new versions.",
		Options: serpent.OptionSet{
			{
				Flag:        "url",
				Env:         "OMAHA_URL",
				Description: "Update server endpoint to post check-ins to.",
				Required:    true,
				Value:       serpent.StringOf(&serverURL),
			},
			{
				Flag:        "app-id",
				Env:         "OMAHA_APP_ID",
				Description: "Application id reported to the update server.",
				Required:    true,
				Value:       serpent.StringOf(&appID),
			},
			{
				Flag:        "app-version",
				Env:         "OMAHA_APP_VERSION",
				Description: "Currently installed version to report; defaults to this binary's own version.",
				Value:       serpent.StringOf(&appVersion),
			},
			{
				Flag:        "state-file",
				Env:         "OMAHA_STATE_FILE",
				Description: "Path of the persisted scheduler state.",
				Default:     "/var/lib/omahad/state.json",
				Value:       serpent.StringOf(&statePath),
			},
			{
				Flag:        "system-image",
				Env:         "OMAHA_SYSTEM_IMAGE",
				Description: "Report the installation as part of a system image rather than organic.",
				Value:       serpent.BoolOf(&systemImage),
			},
			{
				Flag:        "interval",
				Env:         "OMAHA_INTERVAL",
				Description: "Minimum spacing between check-in requests.",
				Default:     checkin.DefaultInterval.String(),
				Value:       serpent.DurationOf(&interval),
			},
			{
				Flag:          "verbose",
				FlagShorthand: "v",
				Description:   "Enable debug logging.",
				Value:         serpent.BoolOf(&verbose),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.Make(sloghuman.Sink(inv.Stderr))
			if verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			if appVersion == "" {
				appVersion = buildinfo.Version()
			}
			source := statestore.SourceOrganic
			if systemImage {
				source = statestore.SourceSystemImage
			}

			store := statestore.New(afero.NewOsFs(), statePath, logger.Named("statestore"))
			sched := checkin.New(logger.Named("checkin"), checkin.Options{
				AppID:          appID,
				URL:            serverURL,
				Store:          store,
				Updater:        "omahad",
				UpdaterVersion: buildinfo.Version(),
				Interval:       interval,
				InstallSource:  source,
				CurrentVersion: func() string { return appVersion },
				Notify: func(r checkin.Result) {
					logger.Info(ctx, "update available",
						slog.F("version", r.Version),
						slog.F("market_url", r.MarketURL),
					)
				},
			})
			sched.Restore(ctx)

			runner := checkin.NewRunner(logger.Named("runner"), sched, checkin.RunnerOptions{})
			defer runner.Close()

			logger.Info(ctx, "omahad started",
				slog.F("version", buildinfo.Version()),
				slog.F("app_id", appID),
				slog.F("state_file", statePath),
			)

			<-ctx.Done()
			logger.Info(ctx, "shutting down")
			if err := runner.Close(); err != nil {
				return xerrors.Errorf("close runner: %w", err)
			}
			return nil
		},
	}
}
