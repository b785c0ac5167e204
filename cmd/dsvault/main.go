package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/dsvault/cmd/dsvault/commands"
	"github.com/systmms/dsvault/internal/config"
	dserrors "github.com/systmms/dsvault/internal/errors"
	"github.com/systmms/dsvault/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", dserrors.Present(err))
		os.Exit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:   "dsvault",
		Short: "Tenant-scoped secret management",
		Long: `dsvault stores the secrets of many accounts encrypted with the secret
manager each account chooses: local encryption, AWS KMS, GCP KMS, HashiCorp
Vault, AWS Secrets Manager, Azure Key Vault or GCP Secret Manager.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Logger = logging.New(debug, noColor)
			cfg.Path = configFile
			if v.IsSet("config") {
				cfg.Path = v.GetString("config")
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "dsvault.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("account", "", "Account to act on")
	rootCmd.PersistentFlags().String("user", "", "User recorded in change logs")

	for key, flag := range map[string]string{"config": "config", "account": "account", "user": "user"} {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return err
		}
	}

	rt := commands.NewRuntime(cfg, v)
	rootCmd.AddCommand(
		commands.NewSecretCommand(rt),
		commands.NewFileCommand(rt),
		commands.NewManagerCommand(rt),
		commands.NewTransitionCommand(rt),
		commands.NewAccountCommand(rt),
		commands.NewMigrateCommand(rt),
		commands.NewServeCommand(rt),
	)

	return rootCmd.Execute()
}
