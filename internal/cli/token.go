package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Clear bool
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token [bearer-token]",
		Short: "Store the remote endpoint bearer token",
		Long: `Store the bearer token sent to the remote invoice endpoint. The token is
encrypted with a key derived from the device id and the configured secret
before it is written to the local store.

Example:
  invoicesync token "$API_TOKEN"
  invoicesync token --clear`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Clear, "clear", false, "remove the stored token")

	return cmd
}

func runToken(opts *TokenOptions, args []string, cmd *cobra.Command) error {
	var token string
	if len(args) == 1 {
		token = strings.TrimSpace(args[0])
	}
	switch {
	case opts.Clear && token != "":
		return NewExitError(ExitCommandError, "--clear takes no token argument")
	case !opts.Clear && token == "":
		return NewExitError(ExitCommandError, "a token argument or --clear is required")
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := a.SetToken(cmd.Context(), token); err != nil {
		return wrapAppError("failed to store token", err)
	}
	return opts.formatter(cmd).Success(tokenView{Stored: token != ""})
}

type tokenView struct {
	Stored bool `json:"stored"`
}

func (v tokenView) String() string {
	if v.Stored {
		return "Token stored."
	}
	return "Token removed."
}
