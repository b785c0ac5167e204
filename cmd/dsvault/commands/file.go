package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	dserrors "github.com/systmms/dsvault/internal/errors"
	"github.com/systmms/dsvault/internal/secretstore"
	"github.com/systmms/dsvault/pkg/secret"
)

func NewFileCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Manage encrypted files",
		Long: `Save, update, delete and inspect encrypted files.

Use 'dsvault secret decrypt <id> --out <path>' to write a file back out.`,
	}

	cmd.AddCommand(
		newFileSaveCommand(rt),
		newFileUpdateCommand(rt),
		newFileDeleteCommand(rt),
		newFileGetCommand(rt),
	)
	addRuntimeParamFlag(cmd)
	return cmd
}

// openContent opens the --from file, or stdin for "-".
func openContent(cmd *cobra.Command, from string) (io.ReadCloser, error) {
	if from == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(from)
	if err != nil {
		return nil, dserrors.UserError{
			Message:    fmt.Sprintf("Cannot open %s", from),
			Details:    err.Error(),
			Suggestion: "Check the path passed to --from",
			Err:        err,
		}
	}
	return f, nil
}

// defaultFileName derives a valid file name from a path: its base name with
// every character that names may not contain replaced by '-', so tls.key
// becomes tls-key.
func defaultFileName(path string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(secret.IllegalNameCharacters, r) {
			return '-'
		}
		return r
	}, filepath.Base(path))
}

func newFileSaveCommand(rt *Runtime) *cobra.Command {
	var (
		name    string
		from    string
		manager string
		scopes  []string
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Encrypt and save a file",
		Long: `Encrypt a file and print its id. The name defaults to the file's base name,
with characters names may not contain (such as '.') replaced by '-'.

Examples:
  dsvault file save --from ./tls.key
  cat config.json | dsvault file save --name app-config --from -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				if from == "-" {
					return dserrors.UserError{
						Message:    "A name is required when reading stdin",
						Suggestion: "Use --name <name>",
					}
				}
				name = defaultFileName(from)
			}
			restrictions, err := restrictionsFrom(scopes)
			if err != nil {
				return err
			}
			content, err := openContent(cmd, from)
			if err != nil {
				return err
			}
			defer func() { _ = content.Close() }()

			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				id, err := app.Secrets.SaveFile(ctx, accountID, secretstore.SecretFile{
					Name:         name,
					Content:      content,
					Restrictions: restrictions,
					KmsID:        manager,
				})
				if err != nil {
					return dserrors.Present(err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "File name (default: base name of --from, e.g. tls-key)")
	cmd.Flags().StringVar(&from, "from", "", "File to encrypt, or - to read stdin (required)")
	cmd.Flags().StringVar(&manager, "manager", "", "Secret manager id (default: account default)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Usage restriction app[:env], repeatable")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

func newFileUpdateCommand(rt *Runtime) *cobra.Command {
	var (
		name        string
		from        string
		scopes      []string
		accountWide bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace the content, name or restrictions of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountWide && len(scopes) > 0 {
				return dserrors.UserError{
					Message:    "--scope and --account-wide are mutually exclusive",
					Suggestion: "Pass either the new scopes or --account-wide",
				}
			}
			restrictions, err := restrictionsFrom(scopes)
			if err != nil {
				return err
			}

			var content io.Reader
			if from != "" {
				rc, err := openContent(cmd, from)
				if err != nil {
					return err
				}
				defer func() { _ = rc.Close() }()
				content = rc
			}

			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				current, err := app.Secrets.GetSecret(ctx, accountID, args[0])
				if err != nil {
					return dserrors.Present(err)
				}
				if restrictions == nil && !accountWide {
					restrictions = current.UsageRestrictions
				}

				ok, err := app.Secrets.UpdateFile(ctx, accountID, args[0], secretstore.SecretFile{
					Name:         name,
					Content:      content,
					Restrictions: restrictions,
				})
				if err != nil {
					return dserrors.Present(err)
				}
				if !ok {
					return notFound("file", args[0])
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&from, "from", "", "New content, or - to read stdin")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Replace usage restrictions with app[:env], repeatable")
	cmd.Flags().BoolVar(&accountWide, "account-wide", false, "Remove every usage restriction")

	return cmd
}

func newFileDeleteCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				ok, err := app.Secrets.DeleteFile(ctx, accountID, args[0])
				if err != nil {
					return dserrors.Present(err)
				}
				if !ok {
					return notFound("file", args[0])
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newFileGetCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a file record with its ciphertext masked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				rec, err := app.Secrets.GetSecret(ctx, accountID, args[0])
				if err != nil {
					return dserrors.Present(err)
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}
