package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	dserrors "github.com/systmms/dsvault/internal/errors"
	"github.com/systmms/dsvault/internal/secretstore"
	"github.com/systmms/dsvault/pkg/secret"
)

func NewSecretCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secret texts",
		Long: `Save, update, delete and read secret texts of an account.

A secret is encrypted with the account's default secret manager unless
--manager names another one. With --path the secret is a reference to a
value that already exists in the secret manager; dsvault only reads it.`,
	}

	cmd.AddCommand(
		newSecretSaveCommand(rt),
		newSecretUpdateCommand(rt),
		newSecretDeleteCommand(rt),
		newSecretGetCommand(rt),
		newSecretDecryptCommand(rt),
		newSecretListCommand(rt),
		newSecretLogsCommand(rt),
		newSecretReferenceCommand(rt),
	)
	addRuntimeParamFlag(cmd)
	return cmd
}

// readValue returns --value, or stdin when --value is "-".
func readValue(cmd *cobra.Command, value string) (string, error) {
	if value != "-" {
		return value, nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read value from stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func newSecretSaveCommand(rt *Runtime) *cobra.Command {
	var (
		name    string
		value   string
		path    string
		manager string
		scopes  []string
		params  []string
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a new secret",
		Long: `Save a new secret text and print its id.

Examples:
  # Encrypt with the account default
  dsvault secret save --name db-password --value s3cret

  # Read the value from stdin
  printf s3cret | dsvault secret save --name db-password --value -

  # Reference an existing Vault secret
  dsvault secret save --name legacy --path "kv/legacy#password" --manager <vault-id>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if value == "" && path == "" {
				return dserrors.UserError{
					Message:    "A value or a path is required",
					Suggestion: "Use --value <secret>, --value - to read stdin, or --path <reference>",
				}
			}
			restrictions, err := restrictionsFrom(scopes)
			if err != nil {
				return err
			}
			v, err := readValue(cmd, value)
			if err != nil {
				return err
			}

			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				id, err := app.Secrets.SaveSecret(ctx, accountID, secretstore.SecretText{
					Name:         name,
					Value:        v,
					Path:         path,
					Restrictions: restrictions,
					KmsID:        manager,
					Parameters:   params,
				})
				if err != nil {
					return dserrors.Present(err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Secret name (required)")
	cmd.Flags().StringVar(&value, "value", "", "Secret value, or - to read stdin")
	cmd.Flags().StringVar(&path, "path", "", "Reference to an existing secret in the secret manager")
	cmd.Flags().StringVar(&manager, "manager", "", "Secret manager id (default: account default)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Usage restriction app[:env], repeatable")
	cmd.Flags().StringSliceVar(&params, "param", nil, "Runtime parameter name, repeatable")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newSecretUpdateCommand(rt *Runtime) *cobra.Command {
	var (
		name        string
		value       string
		path        string
		scopes      []string
		accountWide bool
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a secret",
		Long: `Update the name, value, path or usage restrictions of a secret.

Flags that are not given keep their current value. --account-wide removes
every usage restriction.`,
		Args: cobra.ExactArgs(1),
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
			v, err := readValue(cmd, value)
			if err != nil {
				return err
			}

			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				current, err := app.Secrets.GetSecret(ctx, accountID, args[0])
				if err != nil {
					return dserrors.Present(err)
				}
				if restrictions == nil && !accountWide {
					restrictions = current.UsageRestrictions
				}

				ok, err := app.Secrets.UpdateSecret(ctx, accountID, args[0], secretstore.SecretText{
					Name:         name,
					Value:        v,
					Path:         path,
					Restrictions: restrictions,
				})
				if err != nil {
					return dserrors.Present(err)
				}
				if !ok {
					return notFound("secret", args[0])
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Updated %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&value, "value", "", "New value, or - to read stdin")
	cmd.Flags().StringVar(&path, "path", "", "New reference path")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Replace usage restrictions with app[:env], repeatable")
	cmd.Flags().BoolVar(&accountWide, "account-wide", false, "Remove every usage restriction")

	return cmd
}

func newSecretReferenceCommand(rt *Runtime) *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "reference <id> <parent-id>",
		Short: "Record that an entity uses a secret or file",
		Long: `Record that the entity <parent-id> uses a secret or file. A referenced
secret cannot be deleted until every reference is removed with --remove.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				update, verb := app.Secrets.AddReference, "Added"
				if remove {
					update, verb = app.Secrets.RemoveReference, "Removed"
				}
				if err := update(ctx, accountID, args[0], args[1]); err != nil {
					return dserrors.Present(err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s reference %s on %s\n", verb, args[1], args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the reference instead of adding it")
	return cmd
}

func notFound(kind, id string) error {
	return dserrors.UserError{
		Message:    fmt.Sprintf("No %s with id %s", kind, id),
		Suggestion: "List existing ids with 'dsvault secret list'",
	}
}

func newSecretDeleteCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				ok, err := app.Secrets.DeleteSecret(ctx, accountID, args[0])
				if err != nil {
					return dserrors.Present(err)
				}
				if !ok {
					return notFound("secret", args[0])
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newSecretGetCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a secret with its ciphertext masked",
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

func newSecretDecryptCommand(rt *Runtime) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "decrypt <id>",
		Short: "Print the plaintext of a secret or file",
		Long: `Decrypt a secret text or file and write it to stdout, or to --out.

Examples:
  export DB_PASSWORD=$(dsvault secret decrypt <id>)
  dsvault secret decrypt <file-id> --out ./cert.pem`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				plain, err := app.Secrets.Decrypt(ctx, accountID, args[0])
				if err != nil {
					return dserrors.Present(err)
				}
				if outFile != "" {
					if err := os.WriteFile(outFile, plain, 0600); err != nil {
						return fmt.Errorf("failed to write %s: %w", outFile, err)
					}
					return nil
				}
				_, err = cmd.OutOrStdout().Write(plain)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&outFile, "out", "", "Write the plaintext to this file (mode 0600)")
	return cmd
}

func newSecretListCommand(rt *Runtime) *cobra.Command {
	var (
		kind       string
		appID      string
		envID      string
		offset     int
		pageSize   int
		details    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List secrets and files",
		Long: `List the secrets and files of the account, one page at a time.

With --app or --env only records usable in that scope are listed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var typ secret.SettingType
			switch strings.ToLower(kind) {
			case "":
			case "text", "secret":
				typ = secret.TypeSecretText
			case "file":
				typ = secret.TypeConfigFile
			default:
				return dserrors.UserError{
					Message:    fmt.Sprintf("Unknown type %q", kind),
					Suggestion: "Use --type text or --type file",
				}
			}

			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				page, err := app.Secrets.ListSecrets(ctx, accountID, secretstore.ListFilter{
					Type:           typ,
					ScopeContext:   secret.ScopeContext{AppID: appID, EnvID: envID},
					IsAccountAdmin: appID == "" && envID == "",
					Offset:         offset,
					PageSize:       pageSize,
					Details:        details,
				})
				if err != nil {
					return dserrors.Present(err)
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), page)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "ID\tNAME\tTYPE\tENCRYPTION\tREFERENCE\n")
				for _, rec := range page.Records {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", rec.ID, rec.Name, rec.Type, rec.EncryptionType, rec.IsReference())
				}
				_ = w.Flush()
				if details {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d\n", page.Total)
				}
				if len(page.Records) > 0 {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Next offset: %d\n", page.NextOffset)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "type", "", "Only list text or file records")
	cmd.Flags().StringVar(&appID, "app", "", "Only list records usable by this application")
	cmd.Flags().StringVar(&envID, "env", "", "Only list records usable in this environment")
	cmd.Flags().IntVar(&offset, "offset", 0, "Offset of the first record")
	cmd.Flags().IntVar(&pageSize, "page-size", secretstore.DefaultPageSize, "Records per page")
	cmd.Flags().BoolVar(&details, "details", false, "Also count every visible record")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func newSecretLogsCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <id>",
		Short: "Show the change log of a secret or file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				logs, err := app.Secrets.ChangeLogs(ctx, accountID, args[0])
				if err != nil {
					return dserrors.Present(err)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "TIME\tUSER\tSOURCE\tCHANGE\n")
				for _, l := range logs {
					source := "dsvault"
					if l.External {
						source = "backend"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.CreatedAt.Format("2006-01-02 15:04:05"), l.User, source, l.Description)
				}
				return w.Flush()
			})
		},
	}
}
