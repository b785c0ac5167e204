package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	dserrors "github.com/systmms/dsvault/internal/errors"
	"github.com/systmms/dsvault/pkg/secret"
)

func NewTransitionCommand(rt *Runtime) *cobra.Command {
	var (
		fromType string
		fromID   string
		toType   string
		toID     string
		wait     bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Move every secret of one secret manager to another",
		Long: `Re-encrypt every secret text and file of one secret manager with another.

The transition runs in this process and the command returns once every task
finished. Records that fail keep their original encryption. With --wait each
task's outcome is printed and any failure makes the command fail.

Example:
  dsvault transition --from-type KMS --from-id <kms-id> --to-type VAULT --to-id <vault-id> --wait`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				app.Coordinator.Start(ctx)

				queued, err := app.Secrets.TransitionSecrets(ctx, accountID,
					secret.EncryptionType(strings.ToUpper(fromType)), fromID,
					secret.EncryptionType(strings.ToUpper(toType)), toID)
				if err != nil {
					return dserrors.Present(err)
				}
				if !queued {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Nothing to transition")
					return nil
				}

				drainCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				if err := app.Coordinator.Drain(drainCtx); err != nil {
					return dserrors.UserError{
						Message:    "Transition did not finish in time",
						Details:    err.Error(),
						Suggestion: "Raise --timeout; records not yet moved keep their original encryption",
						Err:        err,
					}
				}

				return reportTransition(cmd, app.Coordinator.Recent(), wait)
			})
		},
	}

	cmd.Flags().StringVar(&fromType, "from-type", "", "Encryption type to move from (required)")
	cmd.Flags().StringVar(&fromID, "from-id", "", "Secret manager id to move from (required)")
	cmd.Flags().StringVar(&toType, "to-type", "", "Encryption type to move to (required)")
	cmd.Flags().StringVar(&toID, "to-id", "", "Secret manager id to move to (required)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Print every task and fail if any task failed")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "How long to wait for all tasks")
	for _, f := range []string{"from-type", "from-id", "to-type", "to-id"} {
		_ = cmd.MarkFlagRequired(f)
	}

	return cmd
}

func reportTransition(cmd *cobra.Command, tasks []secret.TransitionTask, detailed bool) error {
	var failed int
	for _, t := range tasks {
		if t.State == secret.StateFailed {
			failed++
		}
	}

	if detailed {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "RECORD\tFROM\tTO\tSTATE\tATTEMPTS\tERROR\n")
		for _, t := range tasks {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", t.EntityID, t.FromType, t.ToType, t.State, t.Attempts, t.LastError)
		}
		_ = w.Flush()
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Transitioned %d of %d record(s)\n", len(tasks)-failed, len(tasks))

	if detailed && failed > 0 {
		return dserrors.UserError{
			Message:    fmt.Sprintf("%d record(s) could not be transitioned", failed),
			Suggestion: "Fix the cause shown above and run the transition again; it only picks up records still on the source",
		}
	}
	return nil
}
