// Package cli implements the invoicesync command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/invoicesync/internal/app"
	"github.com/kimhsiao/invoicesync/internal/config"
	"github.com/kimhsiao/invoicesync/internal/errors"
	"github.com/kimhsiao/invoicesync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// AppOptions is passed to app.New. Tests use it to stub the probe.
	AppOptions app.Options
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the invoicesync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoicesync",
		Short: "Offline-first invoice sync",
		Long: `Record invoices locally and deliver them to the remote invoice endpoint
whenever the network allows. Invoices are never lost while offline.`,
		Version:       app.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file (default $INVOICESYNC_CONFIG)")

	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code. Errors
// are rendered in the selected format on stdout.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return execute(ctx, &RootOptions{}, args, stdout, stderr)
}

func execute(ctx context.Context, opts *RootOptions, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	out := &OutputFormatter{Format: opts.Format, Writer: stdout}
	if !isValidFormat(out.Format) {
		out.Format = "text"
	}
	out.Error(errorCode(err), err.Error())
	return GetExitCode(err)
}

func errorCode(err error) string {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return string(appErr.Code)
	}
	if GetExitCode(err) == ExitCommandError {
		return "COMMAND_ERROR"
	}
	return "FAILED"
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openApp loads config and builds the runtime. Logs go to stderr so they
// never corrupt JSON output.
func (o *RootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	path := o.ConfigPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	level := logging.LevelWarn
	if o.Verbose {
		level = logging.LevelDebug
	}
	logging.Init(cmd.ErrOrStderr(), level)

	a, err := app.New(cmd.Context(), cfg, o.AppOptions)
	if err != nil {
		return nil, wrapAppError("failed to open invoice store", err)
	}
	o.formatter(cmd).VerboseLog("using data dir %s (device %s)", cfg.DataDir, a.DeviceID)
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		logging.Error("error closing invoice store", err)
	}
}
