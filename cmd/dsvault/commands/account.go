package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	dserrors "github.com/systmms/dsvault/internal/errors"
)

func NewAccountCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage account settings",
	}
	cmd.AddCommand(newLocalEncryptionCommand(rt))
	return cmd
}

func newLocalEncryptionCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "local-encryption <on|off>",
		Short: "Force every new secret of the account onto the Local secret manager",
		Long: `With local encryption on, the account's own and the global secret managers
are ignored and new secrets are encrypted locally.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
			default:
				return dserrors.UserError{
					Message:    fmt.Sprintf("Unknown value %q", args[0]),
					Suggestion: "Use 'on' or 'off'",
				}
			}

			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				if err := app.Managers.SetLocalEncryption(ctx, accountID, enabled); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Local encryption for %s is %s\n", accountID, args[0])
				return nil
			})
		},
	}
}
