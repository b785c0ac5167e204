package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	dserrors "github.com/systmms/dsvault/internal/errors"
	"github.com/systmms/dsvault/pkg/secret"
)

func NewManagerCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Manage secret manager configurations",
		Long: `Configure the secret managers an account encrypts with.

Credentials passed with --credential are stored encrypted and never shown
again; listing prints them masked.`,
	}

	cmd.AddCommand(
		newManagerSaveCommand(rt),
		newManagerListCommand(rt),
		newManagerDeleteCommand(rt),
		newManagerDefaultCommand(rt),
	)
	return cmd
}

func newManagerSaveCommand(rt *Runtime) *cobra.Command {
	var (
		id          string
		name        string
		typ         string
		settings    map[string]string
		credentials map[string]string
		templatized []string
		isDefault   bool
		readOnly    bool
		global      bool
	)

	cmd := &cobra.Command{
		Use:   "save",
		Short: "Create or update a secret manager",
		Long: `Create a secret manager, or update the one named by --id. The backend is
contacted to validate the configuration before it is saved.

Examples:
  dsvault manager save --name prod-kms --type KMS \
    --setting region=us-east-1 --setting accessKey=AKIA... \
    --credential secretKey=... --credential kmsArn=arn:aws:kms:...

  dsvault manager save --name vault --type VAULT --default \
    --setting vaultUrl=https://vault:8200 --setting basePath=dsvault \
    --credential authToken=s.xxxx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			encType := secret.EncryptionType(strings.ToUpper(typ))
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				owner := accountID
				if global {
					owner = secret.GlobalAccountID
				}
				saved, err := app.Managers.Save(ctx, &secret.SecretManagerConfig{
					ID:                id,
					AccountID:         owner,
					Name:              name,
					EncryptionType:    encType,
					IsDefault:         isDefault,
					IsReadOnly:        readOnly,
					TemplatizedFields: templatized,
					Settings:          settings,
				}, credentials)
				if err != nil {
					return dserrors.Present(err)
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), saved)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Id of the secret manager to update")
	cmd.Flags().StringVar(&name, "name", "", "Secret manager name (required)")
	cmd.Flags().StringVar(&typ, "type", "", "Encryption type: KMS, GCP_KMS, VAULT, AWS_SECRETS_MANAGER, AZURE_VAULT, GCP_SECRETS_MANAGER (required)")
	cmd.Flags().StringToStringVar(&settings, "setting", nil, "Non-secret setting key=value, repeatable")
	cmd.Flags().StringToStringVar(&credentials, "credential", nil, "Credential field=value, repeatable")
	cmd.Flags().StringSliceVar(&templatized, "templatized", nil, "Field supplied at runtime, repeatable")
	cmd.Flags().BoolVar(&isDefault, "default", false, "Make this the account default")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "Only allow references (Vault only)")
	cmd.Flags().BoolVar(&global, "global", false, "Share with every account")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newManagerListCommand(rt *Runtime) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the secret managers available to the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				configs, err := app.Managers.ListByAccount(ctx, accountID, true)
				if err != nil {
					return dserrors.Present(err)
				}
				for _, c := range configs {
					if c.NumOfEncryptedValue, err = app.Store.CountRecordsByKmsID(ctx, c.ID); err != nil {
						return fmt.Errorf("failed to count secrets of %s: %w", c.Name, err)
					}
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), configs)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "ID\tNAME\tTYPE\tDEFAULT\tGLOBAL\tSECRETS\tCREDENTIALS\n")
				for _, c := range configs {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%d\t%s\n",
						c.ID, c.Name, c.EncryptionType, c.IsDefault, c.IsGlobal(), c.NumOfEncryptedValue, maskedCredentials(c))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func maskedCredentials(c *secret.SecretManagerConfig) string {
	fields := make([]string, 0, len(c.Secrets))
	for field, value := range c.Secrets {
		fields = append(fields, field+"="+value)
	}
	sort.Strings(fields)
	return strings.Join(fields, ",")
}

func newManagerDeleteCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a secret manager that no longer encrypts anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				if err := app.Managers.Delete(ctx, accountID, args[0]); err != nil {
					return dserrors.Present(err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newManagerDefaultCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "default <id>",
		Short: "Make a secret manager the account default",
		Long: `Make a secret manager the account default. Passing the account id selects
the Local secret manager.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.withApp(cmd, func(ctx context.Context, app *App, accountID string) error {
				if err := app.Managers.SetDefault(ctx, accountID, args[0]); err != nil {
					return dserrors.Present(err)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Default secret manager is now %s\n", args[0])
				return nil
			})
		},
	}
}
