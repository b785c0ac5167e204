// Package smconfig resolves which secret manager config an account uses and
// keeps config credentials encrypted as BACKEND_CREDENTIAL records.
//
// Resolution order for an account is its own default config, then the
// global config, then the implicit Local config. An account with local
// encryption enforced always resolves to Local and sees nothing else.
package smconfig

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/logging"
	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithBackendValidation makes Save check connectivity through
// Backend.Validate before persisting anything.
func WithBackendValidation(enabled bool) Option {
	return func(r *Registry) { r.validate = enabled }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is safe for concurrent use.
type Registry struct {
	store    storage.Store
	backends *backend.Registry
	logger   *logging.Logger
	validate bool
	now      func() time.Time
}

// New creates a Registry over store. backends must contain the Local backend.
func New(store storage.Store, backends *backend.Registry, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		backends: backends,
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LocalEncryptionEnforced reports the account's local-encryption flag.
func (r *Registry) LocalEncryptionEnforced(ctx context.Context, accountID string) (bool, error) {
	acct, err := r.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load account %s: %w", accountID, err)
	}
	return acct.LocalEncryptionEnabled, nil
}

// SetLocalEncryption turns the account's local-encryption flag on or off.
func (r *Registry) SetLocalEncryption(ctx context.Context, accountID string, enabled bool) error {
	if err := r.store.SaveAccount(ctx, &secret.Account{ID: accountID, LocalEncryptionEnabled: enabled}); err != nil {
		return fmt.Errorf("failed to save account %s: %w", accountID, err)
	}
	r.logger.Zap().Info("local encryption switched",
		zap.String("account", accountID),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// ResolveDefault returns the config new secrets of the account go to, with
// its credentials decrypted.
func (r *Registry) ResolveDefault(ctx context.Context, accountID string) (*secret.SecretManagerConfig, error) {
	cfg, err := r.defaultConfig(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return r.withSecrets(ctx, cfg)
}

// EncryptionType returns the type of the account's default config.
func (r *Registry) EncryptionType(ctx context.Context, accountID string) (secret.EncryptionType, error) {
	cfg, err := r.defaultConfig(ctx, accountID)
	if err != nil {
		return "", err
	}
	return cfg.EncryptionType, nil
}

func (r *Registry) defaultConfig(ctx context.Context, accountID string) (*secret.SecretManagerConfig, error) {
	enforced, err := r.LocalEncryptionEnforced(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if enforced {
		return secret.LocalConfig(accountID), nil
	}

	configs, err := r.store.ListConfigs(ctx, []string{accountID})
	if err != nil {
		return nil, fmt.Errorf("failed to list secret managers of %s: %w", accountID, err)
	}
	for _, cfg := range configs {
		if cfg.IsDefault && !cfg.IsReadOnly && !cfg.IsTemplatized() {
			return cfg, nil
		}
	}

	global, err := r.globalDefault(ctx)
	if err != nil {
		return nil, err
	}
	if global != nil {
		return global, nil
	}
	return secret.LocalConfig(accountID), nil
}

// globalDefault picks the shared config: GCP KMS when a GCP KMS global is
// flagged preferGcpKms, else the AWS KMS global, else a global marked
// default. It returns nil when there is none.
func (r *Registry) globalDefault(ctx context.Context) (*secret.SecretManagerConfig, error) {
	globals, err := r.store.ListConfigs(ctx, []string{secret.GlobalAccountID})
	if err != nil {
		return nil, fmt.Errorf("failed to list global secret managers: %w", err)
	}

	var kms, marked *secret.SecretManagerConfig
	for _, cfg := range globals {
		switch {
		case cfg.EncryptionType == secret.EncryptionGCPKMS && cfg.Setting("preferGcpKms", "") == "true":
			return cfg, nil
		case cfg.EncryptionType == secret.EncryptionKMS && kms == nil:
			kms = cfg
		case cfg.IsDefault && !cfg.IsReadOnly && marked == nil:
			marked = cfg
		}
	}
	if kms != nil {
		return kms, nil
	}
	return marked, nil
}

// ResolveByID returns one config with its credentials decrypted. The id of
// the account itself names its Local config.
func (r *Registry) ResolveByID(ctx context.Context, accountID, id string) (*secret.SecretManagerConfig, error) {
	cfg, err := r.lookup(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	return r.withSecrets(ctx, cfg)
}

// Get returns one config with credentials masked.
func (r *Registry) Get(ctx context.Context, accountID, id string) (*secret.SecretManagerConfig, error) {
	cfg, err := r.lookup(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	return masked(cfg), nil
}

func (r *Registry) lookup(ctx context.Context, accountID, id string) (*secret.SecretManagerConfig, error) {
	if id == "" || id == accountID {
		return secret.LocalConfig(accountID), nil
	}
	cfg, err := r.store.GetConfig(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, secret.NotFoundError{Kind: "secret manager", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret manager %s: %w", id, err)
	}
	if cfg.AccountID != accountID && !cfg.IsGlobal() {
		return nil, secret.NotFoundError{Kind: "secret manager", ID: id}
	}
	return cfg, nil
}

// ListByAccount returns the configs visible to the account: its own, newest
// first, then the global default, or Local when there is no global one.
func (r *Registry) ListByAccount(ctx context.Context, accountID string, maskSecrets bool) ([]*secret.SecretManagerConfig, error) {
	enforced, err := r.LocalEncryptionEnforced(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var out []*secret.SecretManagerConfig
	if enforced {
		local := secret.LocalConfig(accountID)
		local.IsDefault = true
		out = append(out, local)
	} else {
		own, err := r.store.ListConfigs(ctx, []string{accountID})
		if err != nil {
			return nil, fmt.Errorf("failed to list secret managers of %s: %w", accountID, err)
		}
		hasDefault := false
		for _, cfg := range own {
			if cfg.IsDefault {
				hasDefault = true
			}
		}
		out = append(out, own...)

		global, err := r.globalDefault(ctx)
		if err != nil {
			return nil, err
		}
		if global != nil {
			global = global.Clone()
			global.IsDefault = !hasDefault
			out = append(out, global)
		} else {
			local := secret.LocalConfig(accountID)
			local.IsDefault = !hasDefault
			out = append(out, local)
		}
	}

	for i, cfg := range out {
		if maskSecrets {
			out[i] = masked(cfg)
			continue
		}
		if out[i], err = r.withSecrets(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListAllGlobal returns every global config with credentials masked.
func (r *Registry) ListAllGlobal(ctx context.Context) ([]*secret.SecretManagerConfig, error) {
	globals, err := r.store.ListConfigs(ctx, []string{secret.GlobalAccountID})
	if err != nil {
		return nil, fmt.Errorf("failed to list global secret managers: %w", err)
	}
	for i, cfg := range globals {
		globals[i] = masked(cfg)
	}
	return globals, nil
}

// GlobalConfigsOfType returns every global config of type t, credentials
// decrypted.
func (r *Registry) GlobalConfigsOfType(ctx context.Context, t secret.EncryptionType) ([]*secret.SecretManagerConfig, error) {
	globals, err := r.store.ListConfigs(ctx, []string{secret.GlobalAccountID})
	if err != nil {
		return nil, fmt.Errorf("failed to list global secret managers: %w", err)
	}
	var out []*secret.SecretManagerConfig
	for _, cfg := range globals {
		if cfg.EncryptionType != t {
			continue
		}
		resolved, err := r.withSecrets(ctx, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

// ListVault returns every Vault config of every account, credentials masked.
// The renewer watches these.
func (r *Registry) ListVault(ctx context.Context, accountIDs []string) ([]*secret.SecretManagerConfig, error) {
	configs, err := r.store.ListConfigs(ctx, append(accountIDs, secret.GlobalAccountID))
	if err != nil {
		return nil, fmt.Errorf("failed to list secret managers: %w", err)
	}
	var out []*secret.SecretManagerConfig
	for _, cfg := range configs {
		if cfg.EncryptionType == secret.EncryptionVault {
			out = append(out, masked(cfg))
		}
	}
	return out, nil
}

// withSecrets returns a copy of cfg with every credential decrypted.
func (r *Registry) withSecrets(ctx context.Context, cfg *secret.SecretManagerConfig) (*secret.SecretManagerConfig, error) {
	out := cfg.Clone()
	if len(cfg.Credentials) == 0 {
		return out, nil
	}
	local, err := r.backends.Get(secret.EncryptionLocal)
	if err != nil {
		return nil, err
	}

	out.Secrets = make(map[string]string, len(cfg.Credentials))
	for field, recordID := range cfg.Credentials {
		rec, err := r.store.GetRecord(ctx, cfg.AccountID, recordID)
		if err != nil {
			return nil, fmt.Errorf("failed to load credential %s of secret manager %s: %w", field, cfg.Name, err)
		}
		plain, err := local.Decrypt(ctx, rec, secret.LocalConfig(cfg.AccountID))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credential %s of secret manager %s: %w", field, cfg.Name, err)
		}
		out.Secrets[field] = string(plain)
	}
	return out, nil
}

func masked(cfg *secret.SecretManagerConfig) *secret.SecretManagerConfig {
	out := cfg.Clone()
	out.Secrets = nil
	if len(cfg.Credentials) > 0 {
		out.Secrets = make(map[string]string, len(cfg.Credentials))
		for field := range cfg.Credentials {
			out.Secrets[field] = secret.Mask
		}
	}
	return out
}

// Save validates and persists cfg, encrypting credential values as
// BACKEND_CREDENTIAL records owned by the config. A credential equal to the
// mask keeps its stored value. It returns the config id.
func (r *Registry) Save(ctx context.Context, cfg *secret.SecretManagerConfig, credentials map[string]string) (string, error) {
	if err := r.validateConfig(cfg, credentials); err != nil {
		return "", err
	}

	cfg = cfg.Clone()
	var existing *secret.SecretManagerConfig
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
		cfg.CreatedAt = r.now().UTC()
	} else {
		var err error
		existing, err = r.store.GetConfig(ctx, cfg.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("failed to load secret manager %s: %w", cfg.ID, err)
		}
		if existing != nil {
			if existing.AccountID != cfg.AccountID {
				return "", secret.AuthorizationError{Message: fmt.Sprintf("secret manager %s belongs to another account", cfg.ID)}
			}
			cfg.CreatedAt = existing.CreatedAt
			cfg.RenewedAt = existing.RenewedAt
		} else {
			cfg.CreatedAt = r.now().UTC()
		}
	}

	// Resolve the full credential set in memory first, so Validate sees the
	// config exactly as it will be stored.
	resolved := cfg.Clone()
	resolved.Credentials = nil
	resolved.Secrets = make(map[string]string)
	if existing != nil {
		current, err := r.withSecrets(ctx, existing)
		if err != nil {
			return "", err
		}
		for field, value := range current.Secrets {
			resolved.Secrets[field] = value
		}
	}
	changed := make(map[string]string)
	for field, value := range credentials {
		if value == secret.Mask {
			continue
		}
		resolved.Secrets[field] = value
		changed[field] = value
	}

	// A templatized config is only complete once a caller supplies its
	// runtime values, so it cannot be contacted yet.
	if r.validate && !cfg.IsTemplatized() {
		b, err := r.backends.Get(cfg.EncryptionType)
		if err != nil {
			return "", err
		}
		if err := b.Validate(ctx, resolved); err != nil {
			return "", fmt.Errorf("secret manager %s failed validation: %w", cfg.Name, err)
		}
	}

	cfg.Credentials = make(map[string]string)
	if existing != nil {
		for field, id := range existing.Credentials {
			cfg.Credentials[field] = id
		}
	}
	if err := r.storeCredentials(ctx, cfg, changed); err != nil {
		return "", err
	}
	cfg.Secrets = nil

	if err := r.store.SaveConfig(ctx, cfg); err != nil {
		return "", fmt.Errorf("failed to save secret manager %s: %w", cfg.Name, err)
	}
	if cfg.IsDefault {
		if err := r.store.ClearDefault(ctx, cfg.AccountID, cfg.ID); err != nil {
			return "", fmt.Errorf("failed to reset default secret manager: %w", err)
		}
	}

	r.logger.Zap().Info("secret manager saved",
		zap.String("account", cfg.AccountID),
		zap.String("id", cfg.ID),
		zap.String("type", string(cfg.EncryptionType)),
		zap.Bool("default", cfg.IsDefault),
	)
	return cfg.ID, nil
}

func (r *Registry) validateConfig(cfg *secret.SecretManagerConfig, credentials map[string]string) error {
	if strings.TrimSpace(cfg.AccountID) == "" {
		return secret.ValidationError{Field: "accountId", Message: "must not be empty"}
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return secret.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if cfg.EncryptionType == secret.EncryptionLocal {
		return secret.ValidationError{Field: "encryptionType", Message: "the Local secret manager exists implicitly and cannot be saved"}
	}
	if !r.backends.IsSupported(cfg.EncryptionType) {
		return secret.ValidationError{Field: "encryptionType", Message: fmt.Sprintf("unsupported encryption type %q", cfg.EncryptionType)}
	}
	if cfg.IsDefault && cfg.IsReadOnly {
		return secret.ValidationError{Field: "isDefault", Message: "a read-only secret manager cannot be the default"}
	}
	if cfg.IsDefault && cfg.IsTemplatized() {
		return secret.ValidationError{Field: "isDefault", Message: "a templatized secret manager cannot be the default"}
	}
	if cfg.IsReadOnly && cfg.EncryptionType != secret.EncryptionVault {
		return secret.ValidationError{Field: "isReadOnly", Message: "only Vault secret managers can be read-only"}
	}
	for field := range credentials {
		if !secret.IsCredentialField(cfg.EncryptionType, field) {
			return secret.ValidationError{
				Field:   field,
				Message: fmt.Sprintf("not a credential of %s secret managers (expected one of %s)", cfg.EncryptionType, strings.Join(secret.CredentialFields(cfg.EncryptionType), ", ")),
			}
		}
	}
	for key := range cfg.Settings {
		if secret.IsCredentialField(cfg.EncryptionType, key) && key != secret.CredKmsArn {
			return secret.ValidationError{Field: key, Message: "credentials must not be passed as plain settings"}
		}
	}
	return ValidateSettings(cfg.EncryptionType, cfg.Settings)
}

// storeCredentials encrypts changed credential values with the Local
// backend, updating existing credential records in place.
func (r *Registry) storeCredentials(ctx context.Context, cfg *secret.SecretManagerConfig, changed map[string]string) error {
	if len(changed) == 0 {
		return nil
	}
	local, err := r.backends.Get(secret.EncryptionLocal)
	if err != nil {
		return err
	}
	localCfg := secret.LocalConfig(cfg.AccountID)
	actor := secret.ActorFrom(ctx)
	now := r.now().UTC()

	fields := make([]string, 0, len(changed))
	for field := range changed {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		name := credentialName(cfg.ID, field)
		ct, err := local.Encrypt(ctx, backend.EncryptRequest{
			AccountID: cfg.AccountID,
			Name:      name,
			Value:     []byte(changed[field]),
			Type:      secret.TypeBackendCredential,
		}, localCfg)
		if err != nil {
			return fmt.Errorf("failed to encrypt credential %s: %w", field, err)
		}

		if id, ok := cfg.Credentials[field]; ok {
			rec, err := r.store.GetRecord(ctx, cfg.AccountID, id)
			if err != nil {
				return fmt.Errorf("failed to load credential %s: %w", field, err)
			}
			rec.EncryptionKey, rec.EncryptedValue = ct.EncryptionKey, ct.EncryptedValue
			rec.UpdatedAt, rec.UpdatedBy = now, actor.UserID
			if err := r.store.UpdateRecord(ctx, rec); err != nil {
				return fmt.Errorf("failed to update credential %s: %w", field, err)
			}
			continue
		}

		rec := &secret.EncryptedRecord{
			ID:             uuid.NewString(),
			AccountID:      cfg.AccountID,
			Name:           name,
			Type:           secret.TypeBackendCredential,
			EncryptionType: secret.EncryptionLocal,
			KmsID:          localCfg.ID,
			EncryptionKey:  ct.EncryptionKey,
			EncryptedValue: ct.EncryptedValue,
			ParentIDs:      []string{cfg.ID},
			Enabled:        true,
			CreatedAt:      now,
			CreatedBy:      actor.UserID,
			UpdatedAt:      now,
			UpdatedBy:      actor.UserID,
		}
		if err := r.store.CreateRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to store credential %s: %w", field, err)
		}
		cfg.Credentials[field] = rec.ID
	}
	return nil
}

func credentialName(configID, field string) string {
	return "__credential_" + configID + "_" + field
}

// SetDefault makes id the account's default config.
func (r *Registry) SetDefault(ctx context.Context, accountID, id string) error {
	cfg, err := r.lookup(ctx, accountID, id)
	if err != nil {
		return err
	}
	if cfg.EncryptionType == secret.EncryptionLocal {
		return r.store.ClearDefault(ctx, accountID, "")
	}
	if cfg.AccountID != accountID {
		return secret.AuthorizationError{Message: "a global secret manager cannot be made an account default"}
	}
	if cfg.IsReadOnly {
		return secret.ValidationError{Field: "isDefault", Message: "a read-only secret manager cannot be the default"}
	}
	if cfg.IsTemplatized() {
		return secret.ValidationError{Field: "isDefault", Message: "a templatized secret manager cannot be the default"}
	}
	cfg.IsDefault = true
	if err := r.store.SaveConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save secret manager %s: %w", cfg.Name, err)
	}
	return r.store.ClearDefault(ctx, accountID, id)
}

// Delete removes a config and its credential records. It fails while any
// record is still encrypted with it.
func (r *Registry) Delete(ctx context.Context, accountID, id string) error {
	if id == accountID {
		return secret.ValidationError{Field: "id", Message: "the Local secret manager cannot be deleted"}
	}
	cfg, err := r.lookup(ctx, accountID, id)
	if err != nil {
		return err
	}
	if cfg.AccountID != accountID {
		return secret.AuthorizationError{Message: fmt.Sprintf("secret manager %s belongs to another account", id)}
	}

	n, err := r.store.CountRecordsByKmsID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count records of secret manager %s: %w", id, err)
	}
	if n > 0 {
		return secret.ValidationError{
			Field:   "id",
			Message: fmt.Sprintf("secret manager %s still encrypts %d secret(s); transition them first", cfg.Name, n),
		}
	}

	if err := r.store.DeleteConfig(ctx, id); err != nil {
		return fmt.Errorf("failed to delete secret manager %s: %w", id, err)
	}
	for field, recordID := range cfg.Credentials {
		if err := r.store.DeleteRecord(ctx, cfg.AccountID, recordID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.logger.Zap().Warn("failed to delete credential record",
				zap.String("config", id),
				zap.String("field", field),
				zap.Error(err),
			)
		}
	}
	r.logger.Zap().Info("secret manager deleted", zap.String("account", accountID), zap.String("id", id))
	return nil
}

// MarkRenewed records a successful credential renewal.
func (r *Registry) MarkRenewed(ctx context.Context, id string, at time.Time) error {
	return r.store.UpdateRenewedAt(ctx, id, at)
}
