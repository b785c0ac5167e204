package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/systmms/dsvault/internal/backends"
	"github.com/systmms/dsvault/internal/config"
	dserrors "github.com/systmms/dsvault/internal/errors"
	"github.com/systmms/dsvault/internal/kmscache"
	"github.com/systmms/dsvault/internal/metrics"
	"github.com/systmms/dsvault/internal/restrictions"
	"github.com/systmms/dsvault/internal/secretstore"
	"github.com/systmms/dsvault/internal/secure"
	"github.com/systmms/dsvault/internal/smconfig"
	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/internal/transition"
	"github.com/systmms/dsvault/pkg/secret"
)

// App is the wired set of components behind every command.
type App struct {
	Store       storage.Store
	Managers    *smconfig.Registry
	Secrets     *secretstore.Store
	Coordinator *transition.Coordinator
	Backends    *backends.Set
	Renewer     *backends.Renewer
	Metrics     *metrics.Recorder

	closers []func()
}

// codecRef lets the coordinator and the secret store reference each other.
type codecRef struct {
	transition.Codec
}

// NewApp wires the components over store. opts may override backend clients;
// its MasterKey, KeyCache and Observer are filled in here.
func NewApp(cfg *config.Config, store storage.Store, master *secure.SecureBuffer, opts backends.Options) (*App, error) {
	logger := cfg.Logger
	m := metrics.NewRecorder()

	cache, err := kmscache.New(cfg.CacheConfig(), kmscache.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS key cache: %w", err)
	}

	obs := backends.NewObserver(logger, m)
	opts.MasterKey = master
	opts.KeyCache = cache
	opts.Observer = obs
	set := backends.NewSet(opts)

	managers := smconfig.New(store, set.Registry,
		smconfig.WithLogger(logger.Named("smconfig")),
		smconfig.WithBackendValidation(true),
	)

	tcfg, queueSize := cfg.TransitionConfig()
	codec := &codecRef{}
	coord := transition.New(transition.NewChannelQueue(queueSize), store, codec, tcfg,
		transition.WithLogger(logger.Named("transition")),
		transition.WithMetrics(m),
	)

	validator := restrictions.NewScopeValidator(restrictions.NewStaticScopes(cfg.Definition.Scopes))
	storeOpts := append(cfg.StoreOptions(),
		secretstore.WithLogger(logger.Named("secretstore")),
		secretstore.WithMetrics(m),
		secretstore.WithValidator(validator),
		secretstore.WithQueue(coord),
	)
	secrets := secretstore.New(store, managers, set.Registry, storeOpts...)
	codec.Codec = secrets

	app := &App{
		Store:       store,
		Managers:    managers,
		Secrets:     secrets,
		Coordinator: coord,
		Backends:    set,
		Renewer:     backends.NewRenewer(set.Vault, managers, store, obs, cfg.RenewerConfig()),
		Metrics:     m,
	}
	app.closers = append(app.closers, set.Close, cache.Close)
	return app, nil
}

// Close stops background work and releases clients, newest first.
func (a *App) Close() {
	a.Coordinator.Stop()
	a.Coordinator.Wait()
	a.Renewer.Stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// Runtime is shared by every command. Open is replaced in tests.
type Runtime struct {
	Config *config.Config
	Viper  *viper.Viper
	Open   func(ctx context.Context) (*App, error)
}

// NewRuntime returns a runtime that opens the SQL store named by the config.
func NewRuntime(cfg *config.Config, v *viper.Viper) *Runtime {
	rt := &Runtime{Config: cfg, Viper: v}
	rt.Open = rt.openSQL
	return rt
}

// loadConfig loads the file, applies flag and environment overrides and
// validates the result.
func (r *Runtime) loadConfig() error {
	if err := r.Config.Load(); err != nil {
		return err
	}
	if r.Viper != nil {
		r.Config.ApplyOverrides(r.Viper)
	}
	return r.Config.Validate()
}

func (r *Runtime) openDB(ctx context.Context) (*storage.SQL, error) {
	if err := r.loadConfig(); err != nil {
		return nil, err
	}
	db, err := storage.Open(r.Config.Definition.Database)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, dserrors.UserError{
			Message:    "Cannot reach the database",
			Details:    err.Error(),
			Suggestion: "Check the database section of your dsvault.yaml and that the server is running",
			Err:        err,
		}
	}
	return db, nil
}

func (r *Runtime) openSQL(ctx context.Context) (*App, error) {
	db, err := r.openDB(ctx)
	if err != nil {
		return nil, err
	}
	master, err := r.Config.MasterKey()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	app, err := NewApp(r.Config, db, master, backends.Options{})
	if err != nil {
		master.Destroy()
		_ = db.Close()
		return nil, err
	}
	app.closers = append([]func(){func() { _ = db.Close() }, master.Destroy}, app.closers...)
	return app, nil
}

// account returns the account every command acts on.
func (r *Runtime) account() (string, error) {
	if r.Config.AccountID == "" {
		return "", dserrors.UserError{
			Message:    "Account is required",
			Suggestion: "Use --account <id> or set DSVAULT_ACCOUNT",
		}
	}
	return r.Config.AccountID, nil
}

// withApp opens the app, runs fn with the caller's actor on the context and
// closes the app again.
func (r *Runtime) withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App, accountID string) error) error {
	app, err := r.Open(cmd.Context())
	if err != nil {
		return err
	}
	defer app.Close()

	accountID, err := r.account()
	if err != nil {
		return err
	}
	ctx := r.actorContext(cmd.Context())
	if params, err := cmd.Flags().GetStringToString(runtimeParamFlag); err == nil {
		ctx = secret.WithRuntimeParameters(ctx, params)
	}
	return fn(ctx, app, accountID)
}

// runtimeParamFlag carries the values of templatized secret manager fields.
const runtimeParamFlag = "runtime-param"

func addRuntimeParamFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringToString(runtimeParamFlag, nil, "Value of a templatized secret manager field as field=value, repeatable")
}

// actorContext attributes the command to the --user flag. CLI callers act
// as account administrators.
func (r *Runtime) actorContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	user := r.Config.UserID
	if user == "" {
		user = "cli"
	}
	return secret.WithActor(ctx, secret.Actor{
		UserID:         user,
		CorrelationID:  uuid.NewString(),
		IsAccountAdmin: true,
	})
}

func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// restrictionsFrom builds usage restrictions from --scope values of the
// form "app[:env]".
func restrictionsFrom(scopes []string) (*secret.UsageRestrictions, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	r := &secret.UsageRestrictions{}
	for _, s := range scopes {
		app, env, _ := strings.Cut(s, ":")
		sc := secret.Scope{AppID: app, EnvID: env}
		if sc.AppID == "" && sc.EnvID == "" {
			return nil, dserrors.UserError{
				Message:    fmt.Sprintf("Invalid scope %q", s),
				Suggestion: "Use --scope app or --scope app:env",
			}
		}
		r.Scopes = append(r.Scopes, sc)
	}
	return r, nil
}
