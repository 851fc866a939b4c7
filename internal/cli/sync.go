package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/invoicesync/internal/sync"
	"github.com/kimhsiao/invoicesync/internal/sync/scheduler"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Long: `Deliver every due invoice to the remote endpoint, oldest first.

Exits 1 without contacting the endpoint when the network is unreachable or
another pass holds the store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			res, err := a.Orchestrator.RunSyncPass(cmd.Context(), syncpkg.TriggerManual)
			if err != nil {
				return wrapAppError("sync pass failed", err)
			}
			if res.Skipped {
				return NewExitError(ExitFailure, "sync skipped: "+skipMessage(res.SkipReason))
			}
			return rootOpts.formatter(cmd).Success(passView(res))
		},
	}
}

func skipMessage(reason string) string {
	switch reason {
	case syncpkg.SkipUnreachable:
		return "network unreachable, nothing was sent"
	case syncpkg.SkipBusy:
		return "another sync pass is running"
	default:
		return reason
	}
}

type passView syncpkg.PassResult

func (v passView) String() string {
	res := syncpkg.PassResult(v)
	summary := scheduler.Summary(res)
	if summary == "" {
		summary = "nothing to sync"
	}
	if res.Interrupted {
		summary += " (interrupted)"
	}
	return fmt.Sprintf("Pass %s: %s in %s", res.PassID, summary, res.Duration.Round(time.Millisecond))
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store, network and last pass status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			a.Monitor.ForceCheck(cmd.Context())
			st, err := a.Orchestrator.Status(cmd.Context())
			if err != nil {
				return wrapAppError("failed to read status", err)
			}
			return rootOpts.formatter(cmd).Success(statusView(st))
		},
	}
}

type statusView syncpkg.Status

func (v statusView) String() string {
	s := v.Store
	var b strings.Builder
	fmt.Fprintf(&b, "Network:   %s\n", reachableWord(v.Reachable))
	fmt.Fprintf(&b, "Invoices:  %d total, %d stamped, %d unsynced (%d queued, %d processing), %d failed\n",
		s.Total, s.Stamped, s.Unsynced, s.Queued, s.Processing, s.Failed)
	fmt.Fprintf(&b, "Store:     %s\n", s.HumanSize())
	if v.LastPass == nil {
		b.WriteString("Last pass: never")
	} else {
		fmt.Fprintf(&b, "Last pass: %s (%s) %s", humanize.Time(v.LastPass.StartedAt), v.LastPass.Trigger, passOutcome(*v.LastPass))
	}
	return b.String()
}

func passOutcome(res syncpkg.PassResult) string {
	if res.Skipped {
		return "skipped: " + skipMessage(res.SkipReason)
	}
	if summary := scheduler.Summary(res); summary != "" {
		return summary
	}
	return "nothing to sync"
}

func reachableWord(ok bool) string {
	if ok {
		return "reachable"
	}
	return "unreachable"
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe network reachability",
		Long:  `Probe network reachability now. Exits 1 when unreachable.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if !a.Monitor.ForceCheck(cmd.Context()) {
				return NewExitError(ExitFailure, "network unreachable")
			}
			return rootOpts.formatter(cmd).Success(checkView{
				Reachable: true,
				CheckedAt: a.Monitor.LastChecked(),
			})
		},
	}
}

type checkView struct {
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checkedAt"`
}

func (v checkView) String() string {
	return "Network " + reachableWord(v.Reachable)
}

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	OlderThan time.Duration
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove synced invoices past retention",
		Long: `Remove stamped invoices created before the retention window.
Unsynced and failed invoices are never removed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "override the configured retention (e.g. 720h)")

	return cmd
}

func runPrune(opts *PruneOptions, cmd *cobra.Command) error {
	if opts.OlderThan < 0 {
		return NewExitError(ExitCommandError, "--older-than must not be negative")
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	var removed int64
	if opts.OlderThan == 0 {
		removed, err = a.Scheduler.Prune(cmd.Context())
	} else {
		removed, err = a.Store.PruneSynced(cmd.Context(), a.Now().Add(-opts.OlderThan))
	}
	if err != nil {
		return wrapAppError("prune failed", err)
	}
	return opts.formatter(cmd).Success(pruneView{Removed: removed})
}

type pruneView struct {
	Removed int64 `json:"removed"`
}

func (v pruneView) String() string {
	return fmt.Sprintf("Removed %s %s.", humanize.Comma(v.Removed), english.PluralWord(int(v.Removed), "synced invoice", ""))
}
