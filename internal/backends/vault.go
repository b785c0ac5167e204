package backends

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"golang.org/x/sync/singleflight"

	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

const (
	vaultKeySeparator  = "#"
	vaultDefaultKey    = "value"
	vaultDefaultEngine = "secret"
	vaultDefaultBase   = "/dsvault"
	vaultLoginTimeout  = 30 * time.Second
)

// VaultClientFactory builds an unauthenticated client for a config.
type VaultClientFactory func(cfg *secret.SecretManagerConfig) (VaultClientAPI, error)

// VaultOption configures the Vault backend.
type VaultOption func(*Vault)

// WithVaultClientFactory replaces how clients are built (for testing).
func WithVaultClientFactory(f VaultClientFactory) VaultOption {
	return func(v *Vault) {
		v.factory = f
	}
}

// Vault stores values in a KV v1 or v2 secret engine.
type Vault struct {
	factory VaultClientFactory
	obs     Observer

	mu       sync.Mutex
	sessions map[string]*vaultSession
	logins   singleflight.Group
}

// vaultSession holds the authenticated client of one config. Renewal swaps
// the client under the write lock; calls only take the read lock long
// enough to copy the pointer.
type vaultSession struct {
	mu          sync.RWMutex
	client      VaultClientAPI
	fingerprint string
}

func (s *vaultSession) current() VaultClientAPI {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *vaultSession) swap(c VaultClientAPI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = c
}

// NewVault creates the Vault backend.
func NewVault(obs Observer, opts ...VaultOption) *Vault {
	v := &Vault{obs: obs, sessions: make(map[string]*vaultSession)}
	for _, opt := range opts {
		opt(v)
	}
	if v.factory == nil {
		v.factory = newVaultClient
	}
	return v
}

func newVaultClient(cfg *secret.SecretManagerConfig) (VaultClientAPI, error) {
	vc := vaultapi.DefaultConfig()
	if vc.Error != nil {
		return nil, vc.Error
	}
	vc.Address = cfg.Setting("vaultUrl", vc.Address)

	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if ns := cfg.Setting("namespace", ""); ns != "" {
		client.SetNamespace(ns)
	}
	return newDefaultVaultClient(client), nil
}

func (v *Vault) Type() secret.EncryptionType { return secret.EncryptionVault }

// vaultLayout is the engine layout of one config.
type vaultLayout struct {
	engine   string
	version  int
	basePath string
}

func layoutOf(cfg *secret.SecretManagerConfig) vaultLayout {
	version, err := strconv.Atoi(cfg.Setting("secretEngineVersion", "2"))
	if err != nil || version != 1 {
		version = 2
	}
	base := cfg.Setting("basePath", vaultDefaultBase)
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return vaultLayout{
		engine:   strings.Trim(cfg.Setting("secretEngineName", vaultDefaultEngine), "/"),
		version:  version,
		basePath: strings.TrimRight(base, "/"),
	}
}

func (l vaultLayout) fullPath(name string) string {
	return l.basePath + "/" + name
}

// resolveRef splits "path#key" and anchors a relative path under basePath.
func (l vaultLayout) resolveRef(ref string) (string, string, error) {
	idx := strings.LastIndex(ref, vaultKeySeparator)
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", secret.ValidationError{Field: "path", Message: fmt.Sprintf("vault path %q must have the form path#key", ref)}
	}
	path, key := ref[:idx], ref[idx+1:]
	if !strings.HasPrefix(path, "/") {
		path = l.fullPath(path)
	}
	return path, key, nil
}

func (l vaultLayout) dataPath(full string) string {
	if l.version == 2 {
		return l.engine + "/data" + full
	}
	return l.engine + full
}

func (l vaultLayout) metadataPath(full string) string {
	return l.engine + "/metadata" + full
}

// ValidateReferencePath checks the syntax of a vault reference path.
func ValidateReferencePath(cfg *secret.SecretManagerConfig, ref string) error {
	_, _, err := layoutOf(cfg).resolveRef(ref)
	return err
}

// session returns the authenticated session of cfg, logging in at most once
// across concurrent callers. The login runs outside v.mu, so a slow login to
// one Vault does not stall calls to the others.
func (v *Vault) session(ctx context.Context, cfg *secret.SecretManagerConfig) (*vaultSession, error) {
	fp := fingerprint(cfg)
	if s := v.cached(cfg.ID, fp); s != nil {
		return s, nil
	}

	res, err, _ := v.logins.Do(cfg.ID+"\x00"+fp, func() (interface{}, error) {
		if s := v.cached(cfg.ID, fp); s != nil {
			return s, nil
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), vaultLoginTimeout)
		defer cancel()
		client, err := v.login(loginCtx, cfg)
		if err != nil {
			return nil, err
		}
		s := &vaultSession{client: client, fingerprint: fp}
		v.mu.Lock()
		v.sessions[cfg.ID] = s
		v.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*vaultSession), nil
}

func (v *Vault) cached(id, fp string) *vaultSession {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.sessions[id]; ok && s.fingerprint == fp {
		return s
	}
	return nil
}

func (v *Vault) client(ctx context.Context, cfg *secret.SecretManagerConfig) (VaultClientAPI, error) {
	s, err := v.session(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return s.current(), nil
}

// login builds a client and authenticates it with the config's token or
// AppRole credentials.
func (v *Vault) login(ctx context.Context, cfg *secret.SecretManagerConfig) (VaultClientAPI, error) {
	client, err := v.factory(cfg)
	if err != nil {
		return nil, fatal(secret.EncryptionVault, "client", err)
	}

	roleID := cfg.Setting("appRoleId", "")
	if roleID == "" {
		token := cfg.Secret(secret.CredAuthToken)
		if token == "" {
			return nil, secret.ValidationError{Field: secret.CredAuthToken, Message: "Vault secret manager needs an auth token or AppRole"}
		}
		client.SetToken(token)
		return client, nil
	}

	mount := strings.Trim(cfg.Setting("appRoleMount", "approle"), "/")
	var resp *vaultapi.Secret
	err = v.obs.call(ctx, secret.EncryptionVault, "approle_login", cfg.Name, func(ctx context.Context) error {
		var err error
		resp, err = client.Write(ctx, "auth/"+mount+"/login", map[string]interface{}{
			"role_id":   roleID,
			"secret_id": cfg.Secret(secret.CredSecretID),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Auth == nil || resp.Auth.ClientToken == "" {
		return nil, fatal(secret.EncryptionVault, "approle_login", errors.New("login returned no client token"))
	}
	client.SetToken(resp.Auth.ClientToken)
	return client, nil
}

func (v *Vault) Encrypt(ctx context.Context, req backend.EncryptRequest, cfg *secret.SecretManagerConfig) (backend.Ciphertext, error) {
	layout := layoutOf(cfg)

	if req.Path != "" {
		full, key, err := layout.resolveRef(req.Path)
		if err != nil {
			return backend.Ciphertext{}, err
		}
		if _, err := v.read(ctx, cfg, layout, full, key, req.Name); err != nil {
			return backend.Ciphertext{}, err
		}
		return backend.Ciphertext{}, nil
	}

	if cfg.IsReadOnly {
		return backend.Ciphertext{}, secret.ValidationError{
			Field:   "value",
			Message: fmt.Sprintf("secret manager %s is read-only and only accepts path references", cfg.Name),
		}
	}

	client, err := v.client(ctx, cfg)
	if err != nil {
		return backend.Ciphertext{}, err
	}

	full := layout.fullPath(req.Name)
	data := map[string]interface{}{vaultDefaultKey: string(req.Value)}
	if layout.version == 2 {
		data = map[string]interface{}{"data": data}
	}
	err = v.obs.call(ctx, secret.EncryptionVault, "write", req.Name, func(ctx context.Context) error {
		_, err := client.Write(ctx, layout.dataPath(full), data)
		return err
	})
	if err != nil {
		return backend.Ciphertext{}, err
	}

	ref := full + vaultKeySeparator + vaultDefaultKey
	return backend.Ciphertext{EncryptionKey: ref, EncryptedValue: ref}, nil
}

// Locate reports where an inline value of name is written and whether that
// path already holds a live secret.
func (v *Vault) Locate(ctx context.Context, name string, cfg *secret.SecretManagerConfig) (string, bool, error) {
	layout := layoutOf(cfg)
	full := layout.fullPath(name)
	key := full + vaultKeySeparator + vaultDefaultKey

	client, err := v.client(ctx, cfg)
	if err != nil {
		return "", false, err
	}
	var resp *vaultapi.Secret
	err = v.obs.call(ctx, secret.EncryptionVault, "read", name, func(ctx context.Context) error {
		var err error
		resp, err = client.Read(ctx, layout.dataPath(full))
		return err
	})
	if err != nil {
		return "", false, err
	}
	if resp == nil || resp.Data == nil {
		return key, false, nil
	}
	if layout.version == 2 {
		_, live := resp.Data["data"].(map[string]interface{})
		return key, live, nil
	}
	return key, true, nil
}

func (v *Vault) Decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	layout := layoutOf(cfg)

	ref := rec.EncryptionKey
	if rec.IsReference() {
		ref = rec.Path
	}
	full, key, err := layout.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	return v.read(ctx, cfg, layout, full, key, rec.Name)
}

func (v *Vault) read(ctx context.Context, cfg *secret.SecretManagerConfig, layout vaultLayout, full, key, name string) ([]byte, error) {
	client, err := v.client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var resp *vaultapi.Secret
	err = v.obs.call(ctx, secret.EncryptionVault, "read", name, func(ctx context.Context) error {
		var err error
		resp, err = client.Read(ctx, layout.dataPath(full))
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Data == nil {
		return nil, fatal(secret.EncryptionVault, "read", fmt.Errorf("no secret at %s", full))
	}

	data := resp.Data
	if layout.version == 2 {
		inner, ok := resp.Data["data"].(map[string]interface{})
		if !ok {
			return nil, fatal(secret.EncryptionVault, "read", fmt.Errorf("no secret at %s", full))
		}
		data = inner
	}
	raw, ok := data[key]
	if !ok {
		return nil, fatal(secret.EncryptionVault, "read", fmt.Errorf("key %q not found at %s", key, full))
	}
	if s, ok := raw.(string); ok {
		return []byte(s), nil
	}
	return []byte(fmt.Sprint(raw)), nil
}

func (v *Vault) DeleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	if rec.IsReference() || rec.EncryptionKey == "" {
		return nil
	}
	layout := layoutOf(cfg)
	full, _, err := layout.resolveRef(rec.EncryptionKey)
	if err != nil {
		return err
	}
	client, err := v.client(ctx, cfg)
	if err != nil {
		return err
	}

	path := layout.dataPath(full)
	if layout.version == 2 {
		path = layout.metadataPath(full)
	}
	return v.obs.call(ctx, secret.EncryptionVault, "delete", rec.Name, func(ctx context.Context) error {
		_, err := client.Delete(ctx, path)
		return err
	})
}

func (v *Vault) Validate(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	client, err := v.client(ctx, cfg)
	if err != nil {
		return err
	}
	return v.obs.call(ctx, secret.EncryptionVault, "lookup_self", cfg.Name, func(ctx context.Context) error {
		_, err := client.Read(ctx, "auth/token/lookup-self")
		return err
	})
}

// Renew refreshes the credentials of cfg. AppRole configs log in again and
// swap the client in place; token configs renew their token.
func (v *Vault) Renew(ctx context.Context, cfg *secret.SecretManagerConfig) error {
	s, err := v.session(ctx, cfg)
	if err != nil {
		return err
	}

	if cfg.Setting("appRoleId", "") != "" {
		client, err := v.login(ctx, cfg)
		if err != nil {
			return err
		}
		s.swap(client)
		return nil
	}

	client := s.current()
	return v.obs.call(ctx, secret.EncryptionVault, "renew_self", cfg.Name, func(ctx context.Context) error {
		_, err := client.RenewSelf(ctx, 0)
		return err
	})
}

// VersionChangeLogs reads the KV v2 version history of rec and returns it as
// external change logs, oldest first. Other records have no history.
func (v *Vault) VersionChangeLogs(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]*secret.SecretChangeLog, error) {
	layout := layoutOf(cfg)
	if layout.version != 2 || rec.IsReference() || rec.EncryptionKey == "" {
		return nil, nil
	}
	full, _, err := layout.resolveRef(rec.EncryptionKey)
	if err != nil {
		return nil, err
	}
	client, err := v.client(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var resp *vaultapi.Secret
	err = v.obs.call(ctx, secret.EncryptionVault, "read_metadata", rec.Name, func(ctx context.Context) error {
		var err error
		resp, err = client.Read(ctx, layout.metadataPath(full))
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	versions, _ := resp.Data["versions"].(map[string]interface{})

	logs := make([]*secret.SecretChangeLog, 0, len(versions))
	add := func(version int, kind string, at time.Time) {
		var desc string
		switch {
		case kind == "deleted":
			desc = fmt.Sprintf("Deleted at version %d in Vault", version)
		case version == 1:
			desc = "Created in Vault"
		default:
			desc = fmt.Sprintf("Updated to version %d in Vault", version)
		}
		logs = append(logs, &secret.SecretChangeLog{
			ID:              fmt.Sprintf("vault:%s:%d:%s", rec.ID, version, kind),
			AccountID:       rec.AccountID,
			EncryptedDataID: rec.ID,
			Description:     desc,
			User:            secret.ExternalUser,
			External:        true,
			CreatedAt:       at,
		})
	}
	for k, raw := range versions {
		version, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		meta, _ := raw.(map[string]interface{})
		add(version, "written", parseVaultTime(meta["created_time"]))
		if deleted := parseVaultTime(meta["deletion_time"]); !deleted.IsZero() {
			add(version, "deleted", deleted)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })
	return logs, nil
}

func parseVaultTime(v interface{}) time.Time {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
