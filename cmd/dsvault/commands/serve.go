package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/metrics"
	"github.com/systmms/dsvault/pkg/secret"
)

func NewServeCommand(rt *Runtime) *cobra.Command {
	var accounts []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background workers",
		Long: `Run the transition workers and, when vault.renewal.enabled is set, keep the
tokens of Vault secret managers renewed. Metrics are served on metrics.listen
when configured. The command runs until interrupted.

Vault secret managers of --accounts (default: --account) and every global
one are renewed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := rt.Open(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			log := rt.Config.Logger.Zap()

			server := metrics.NewServer(rt.Config.MetricsServer(), rt.Config.Logger)
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Stop(shutdownCtx)
			}()
			if addr := server.Addr(); addr != "" {
				log.Info("metrics listening", zap.String("addr", addr))
			}

			workCtx := secret.WithActor(ctx, secret.SystemActor)
			app.Coordinator.Start(workCtx)

			if rt.Config.Definition.Vault.Renewal.Enabled {
				if len(accounts) == 0 && rt.Config.AccountID != "" {
					accounts = []string{rt.Config.AccountID}
				}
				configs, err := app.Managers.ListVault(ctx, accounts)
				if err != nil {
					return err
				}
				for _, sm := range configs {
					app.Renewer.Watch(workCtx, sm)
				}
				log.Info("vault renewal started", zap.Int("configs", len(configs)))
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "dsvault is running; press Ctrl+C to stop")
			<-ctx.Done()
			log.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&accounts, "accounts", nil, "Accounts whose Vault tokens are renewed")
	return cmd
}
