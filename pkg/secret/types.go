// Package secret defines the data model shared by every dsvault component.
//
// An EncryptedRecord is the persisted envelope of one secret text or file. It
// never holds plaintext: depending on the backend it carries a wrapped data key
// plus ciphertext (Local, KMS, GCP KMS), or a path/name pointing into an
// external store (Vault, AWS Secrets Manager, Azure Key Vault, GCP Secret Manager).
//
// A SecretManagerConfig describes one configured backend instance for an
// account, or for every account when it belongs to GlobalAccountID.
//
// # Reference Records
//
// A record whose Path is set refers to a secret that already exists in the
// backend. dsvault reads such secrets but never writes, rotates, migrates or
// deletes them.
//
// # Error Handling
//
// Components report failures using the taxonomy in errors.go:
//   - ValidationError for bad input and rule violations
//   - NotFoundError for unknown records and configs
//   - BackendTransientError for failures worth retrying
//   - BackendFatalError for failures that are not
//   - AuthorizationError for scope violations
package secret

import (
	"time"
)

// EncryptionType identifies a backend implementation.
type EncryptionType string

const (
	EncryptionLocal             EncryptionType = "LOCAL"
	EncryptionKMS               EncryptionType = "KMS"
	EncryptionGCPKMS            EncryptionType = "GCP_KMS"
	EncryptionVault             EncryptionType = "VAULT"
	EncryptionAWSSecretsManager EncryptionType = "AWS_SECRETS_MANAGER"
	EncryptionAzureVault        EncryptionType = "AZURE_VAULT"
	EncryptionGCPSecretsManager EncryptionType = "GCP_SECRETS_MANAGER"
)

// IsNamedSecretStore reports whether the backend stores the value itself
// under a name, as opposed to returning ciphertext for dsvault to keep.
func (t EncryptionType) IsNamedSecretStore() bool {
	switch t {
	case EncryptionVault, EncryptionAWSSecretsManager, EncryptionAzureVault, EncryptionGCPSecretsManager:
		return true
	}
	return false
}

// UsesBlobStore reports whether file content for this backend is kept in the
// blob store rather than in the backend.
func (t EncryptionType) UsesBlobStore() bool {
	return !t.IsNamedSecretStore()
}

// SettingType is the kind of payload a record carries.
type SettingType string

const (
	TypeSecretText        SettingType = "SECRET_TEXT"
	TypeConfigFile        SettingType = "CONFIG_FILE"
	TypeBackendCredential SettingType = "BACKEND_CREDENTIAL"
)

const (
	// GlobalAccountID owns the secret managers shared by all accounts.
	GlobalAccountID = "__GLOBAL_ACCOUNT_ID__"

	// Mask replaces ciphertext and credentials in every outward-facing view.
	Mask = "**************"

	// IllegalNameCharacters may not appear in a secret or file name.
	IllegalNameCharacters = "~!@#$%^&*'\"/?<>,;."

	// ExternalUser is recorded on change logs imported from a backend.
	ExternalUser = "VaultUser"
)

// Scope is one allowed usage context. Empty fields match anything.
type Scope struct {
	AppID string `json:"appId,omitempty" yaml:"appId,omitempty"`
	EnvID string `json:"envId,omitempty" yaml:"envId,omitempty"`
}

// Matches reports whether the scope admits ctx.
func (s Scope) Matches(ctx ScopeContext) bool {
	if s.AppID != "" && s.AppID != ctx.AppID {
		return false
	}
	if s.EnvID != "" && s.EnvID != ctx.EnvID {
		return false
	}
	return true
}

// Covers reports whether every context admitted by other is also admitted by s.
func (s Scope) Covers(other Scope) bool {
	if s.AppID != "" && s.AppID != other.AppID {
		return false
	}
	if s.EnvID != "" && s.EnvID != other.EnvID {
		return false
	}
	return true
}

// UsageRestrictions limits where a secret may be used. A nil value means the
// secret is usable anywhere in the account.
type UsageRestrictions struct {
	Scopes []Scope `json:"scopes" yaml:"scopes"`
}

// ScopeContext is the app/env context a caller operates in.
type ScopeContext struct {
	AppID string `json:"appId,omitempty"`
	EnvID string `json:"envId,omitempty"`
}

// Clone returns a deep copy, preserving nil.
func (u *UsageRestrictions) Clone() *UsageRestrictions {
	if u == nil {
		return nil
	}
	out := &UsageRestrictions{Scopes: make([]Scope, len(u.Scopes))}
	copy(out.Scopes, u.Scopes)
	return out
}

// Equal compares two restriction sets, treating order as significant.
func (u *UsageRestrictions) Equal(other *UsageRestrictions) bool {
	if u == nil || other == nil {
		return u == nil && other == nil
	}
	if len(u.Scopes) != len(other.Scopes) {
		return false
	}
	for i := range u.Scopes {
		if u.Scopes[i] != other.Scopes[i] {
			return false
		}
	}
	return true
}

// EncryptedRecord is the ciphertext envelope of a secret text or file.
type EncryptedRecord struct {
	ID                string             `json:"id"`
	AccountID         string             `json:"accountId"`
	Name              string             `json:"name"`
	Type              SettingType        `json:"type"`
	EncryptionType    EncryptionType     `json:"encryptionType"`
	KmsID             string             `json:"kmsId"`
	EncryptionKey     string             `json:"encryptionKey,omitempty"`
	EncryptedValue    string             `json:"encryptedValue,omitempty"`
	Path              string             `json:"path,omitempty"`
	Parameters        []string           `json:"parameters,omitempty"`
	UsageRestrictions *UsageRestrictions `json:"usageRestrictions,omitempty"`
	ParentIDs         []string           `json:"parentIds,omitempty"`
	FileSize          int64              `json:"fileSize,omitempty"`
	Base64Encoded     bool               `json:"base64Encoded,omitempty"`
	Enabled           bool               `json:"enabled"`
	CreatedAt         time.Time          `json:"createdAt"`
	CreatedBy         string             `json:"createdBy,omitempty"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	UpdatedBy         string             `json:"updatedBy,omitempty"`
}

// IsReference reports whether the record points at a secret dsvault does not own.
func (r *EncryptedRecord) IsReference() bool {
	return r.Path != ""
}

// HasParent reports whether id is among the record's referencing entities.
func (r *EncryptedRecord) HasParent(id string) bool {
	for _, p := range r.ParentIDs {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record.
func (r *EncryptedRecord) Clone() *EncryptedRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.UsageRestrictions = r.UsageRestrictions.Clone()
	if r.ParentIDs != nil {
		out.ParentIDs = append([]string(nil), r.ParentIDs...)
	}
	if r.Parameters != nil {
		out.Parameters = append([]string(nil), r.Parameters...)
	}
	return &out
}

// Masked returns a copy with the key material replaced by Mask.
func (r *EncryptedRecord) Masked() *EncryptedRecord {
	out := r.Clone()
	if out.EncryptionKey != "" {
		out.EncryptionKey = Mask
	}
	if out.EncryptedValue != "" {
		out.EncryptedValue = Mask
	}
	return out
}

// SharesExternalCopy reports whether r and o point at the same external
// secret or blob, so that removing the copy of one removes the other's too.
// Two configs of one type that address the same location share it.
func (r *EncryptedRecord) SharesExternalCopy(o *EncryptedRecord) bool {
	if r == nil || o == nil || r.IsReference() || o.IsReference() || r.EncryptionType != o.EncryptionType {
		return false
	}
	switch {
	case r.Type == TypeConfigFile && r.EncryptionType.UsesBlobStore():
		return r.EncryptedValue == o.EncryptedValue
	case r.EncryptionType.IsNamedSecretStore():
		return r.EncryptionKey == o.EncryptionKey
	}
	return false
}

// SecretManagerConfig is one configured backend instance.
type SecretManagerConfig struct {
	ID                string            `json:"id"`
	AccountID         string            `json:"accountId"`
	Name              string            `json:"name"`
	EncryptionType    EncryptionType    `json:"encryptionType"`
	IsDefault         bool              `json:"isDefault"`
	IsReadOnly        bool              `json:"isReadOnly"`
	TemplatizedFields []string          `json:"templatizedFields,omitempty"`
	Settings          map[string]string `json:"settings,omitempty"`

	// Credentials maps a credential field name to the id of the
	// BACKEND_CREDENTIAL record that holds its value.
	Credentials map[string]string `json:"credentials,omitempty"`

	// Secrets holds decrypted (or masked) credential values for the duration
	// of one request. It is never persisted.
	Secrets map[string]string `json:"-"`

	NumOfEncryptedValue int       `json:"numOfEncryptedValue,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	RenewedAt           time.Time `json:"renewedAt,omitempty"`
}

// IsGlobal reports whether the config is shared by every account.
func (c *SecretManagerConfig) IsGlobal() bool {
	return c.AccountID == GlobalAccountID
}

// IsTemplatized reports whether any field is supplied at runtime.
func (c *SecretManagerConfig) IsTemplatized() bool {
	return len(c.TemplatizedFields) > 0
}

// ResolveTemplate returns a copy of c with every templatized field taken from
// params. Credential fields land in Secrets and the rest in Settings. A
// templatized field without a non-empty value is a ValidationError.
func (c *SecretManagerConfig) ResolveTemplate(params map[string]string) (*SecretManagerConfig, error) {
	out := c.Clone()
	for _, field := range c.TemplatizedFields {
		v := params[field]
		if v == "" {
			return nil, ValidationError{Field: field, Message: "secret manager " + c.Name + " needs a runtime value for templatized field " + field}
		}
		if IsCredentialField(c.EncryptionType, field) {
			if out.Secrets == nil {
				out.Secrets = make(map[string]string)
			}
			out.Secrets[field] = v
			continue
		}
		if out.Settings == nil {
			out.Settings = make(map[string]string)
		}
		out.Settings[field] = v
	}
	return out, nil
}

// Setting returns a non-secret setting or def when unset.
func (c *SecretManagerConfig) Setting(key, def string) string {
	if v, ok := c.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// Secret returns a decrypted credential value.
func (c *SecretManagerConfig) Secret(field string) string {
	return c.Secrets[field]
}

// Clone returns a deep copy of the config.
func (c *SecretManagerConfig) Clone() *SecretManagerConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.TemplatizedFields = append([]string(nil), c.TemplatizedFields...)
	out.Settings = cloneMap(c.Settings)
	out.Credentials = cloneMap(c.Credentials)
	out.Secrets = cloneMap(c.Secrets)
	return &out
}

// LocalConfig returns the implicit Local secret manager of an account. Its id
// is the account id.
func LocalConfig(accountID string) *SecretManagerConfig {
	return &SecretManagerConfig{
		ID:             accountID,
		AccountID:      accountID,
		Name:           "Local Secret Manager",
		EncryptionType: EncryptionLocal,
	}
}

// SecretChangeLog is an append-only audit entry.
type SecretChangeLog struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	EncryptedDataID string    `json:"encryptedDataId"`
	Description     string    `json:"description"`
	User            string    `json:"user"`
	External        bool      `json:"external"`
	CreatedAt       time.Time `json:"createdAt"`
}

// TransitionState is the lifecycle of one TransitionTask.
type TransitionState string

const (
	StatePending    TransitionState = "Pending"
	StateDecrypting TransitionState = "Decrypting"
	StateEncrypting TransitionState = "Encrypting"
	StateSwapped    TransitionState = "Swapped"
	StateFailed     TransitionState = "Failed"
)

// Terminal reports whether no further transitions follow.
func (s TransitionState) Terminal() bool {
	return s == StateSwapped || s == StateFailed
}

// TransitionTask moves one record from one backend to another.
type TransitionTask struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	EntityID  string          `json:"entityId"`
	FromType  EncryptionType  `json:"fromType"`
	FromID    string          `json:"fromId"`
	ToType    EncryptionType  `json:"toType"`
	ToID      string          `json:"toId"`
	State     TransitionState `json:"state"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
}

// Account carries the account-level switches dsvault honours.
type Account struct {
	ID                     string `json:"id"`
	LocalEncryptionEnabled bool   `json:"localEncryptionEnabled"`
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
