// Package secretstore is the tenant-scoped entry point for secret texts and
// files. It validates requests, picks the secret manager config, runs the
// backend call under the retry policy and persists the resulting envelope.
//
// Backend calls always complete before anything is written to storage, so a
// failed call never leaves a half-written record behind.
package secretstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/systmms/dsvault/internal/logging"
	"github.com/systmms/dsvault/internal/metrics"
	"github.com/systmms/dsvault/internal/restrictions"
	"github.com/systmms/dsvault/internal/storage"
	"github.com/systmms/dsvault/internal/transition"
	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

// DefaultMaxFileSize bounds file content.
const DefaultMaxFileSize = 1 << 20

// Configs resolves secret manager configs with credentials decrypted.
type Configs interface {
	ResolveDefault(ctx context.Context, accountID string) (*secret.SecretManagerConfig, error)
	ResolveByID(ctx context.Context, accountID, id string) (*secret.SecretManagerConfig, error)
	GlobalConfigsOfType(ctx context.Context, t secret.EncryptionType) ([]*secret.SecretManagerConfig, error)
}

// SecretText is the input of SaveSecret and UpdateSecret.
type SecretText struct {
	Name         string
	Value        string
	Path         string
	Restrictions *secret.UsageRestrictions
	KmsID        string
	Parameters   []string

	// RuntimeParameters supplies the templatized fields of the secret
	// manager for this call.
	RuntimeParameters map[string]string
}

// Store is safe for concurrent use.
type Store struct {
	store     storage.Store
	configs   Configs
	backends  *backend.Registry
	validator restrictions.Validator
	queue     transition.Queue

	retry       RetryConfig
	limiters    *limiters
	maxFileSize int64

	logger  *logging.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Store) { s.metrics = m }
}

// WithValidator replaces the default ScopeValidator.
func WithValidator(v restrictions.Validator) Option {
	return func(s *Store) { s.validator = v }
}

// WithQueue sets where TransitionSecrets sends its tasks.
func WithQueue(q transition.Queue) Option {
	return func(s *Store) { s.queue = q }
}

// WithRetry replaces the retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(s *Store) { s.retry = cfg.withDefaults() }
}

// WithRateLimit caps calls per second to one backend type.
func WithRateLimit(t secret.EncryptionType, perSecond float64, burst int) Option {
	return func(s *Store) { s.limiters.set(t, perSecond, burst) }
}

// WithMaxFileSize sets the largest accepted file, in bytes.
func WithMaxFileSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxFileSize = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store.
func New(store storage.Store, configs Configs, backends *backend.Registry, opts ...Option) *Store {
	s := &Store{
		store:       store,
		configs:     configs,
		backends:    backends,
		validator:   restrictions.NewScopeValidator(nil),
		retry:       DefaultRetryConfig(),
		limiters:    newLimiters(),
		maxFileSize: DefaultMaxFileSize,
		logger:      logging.NewNop(),
		metrics:     metrics.NewRecorder(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return secret.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if i := strings.IndexAny(name, secret.IllegalNameCharacters); i >= 0 {
		return secret.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("%q contains the illegal character %q; none of %s are allowed", name, name[i], secret.IllegalNameCharacters),
		}
	}
	return nil
}

// validateVaultPath checks a Vault reference has the form "path#key".
func validateVaultPath(path string) error {
	i := strings.Index(path, "#")
	if i < 0 || i == len(path)-1 {
		return secret.ValidationError{Field: "path", Message: fmt.Sprintf("vault reference %q must have the form <path>#<key>", path)}
	}
	return nil
}

func (s *Store) checkUnique(ctx context.Context, accountID, name string) error {
	_, err := s.store.GetRecordByName(ctx, accountID, name)
	switch {
	case err == nil:
		return secret.ValidationError{Field: "name", Message: fmt.Sprintf("a secret named %q already exists", name)}
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("failed to check name %q: %w", name, err)
	}
}

// target returns the config a new secret goes to.
func (s *Store) target(ctx context.Context, accountID, kmsID string) (*secret.SecretManagerConfig, error) {
	if kmsID != "" {
		return templated(ctx)(s.configs.ResolveByID(ctx, accountID, kmsID))
	}
	return s.configs.ResolveDefault(ctx, accountID)
}

func (s *Store) configOf(ctx context.Context, rec *secret.EncryptedRecord) (*secret.SecretManagerConfig, error) {
	return templated(ctx)(s.configs.ResolveByID(ctx, rec.AccountID, rec.KmsID))
}

// templated fills the templatized fields of a resolved config from the
// runtime parameters in ctx.
func templated(ctx context.Context) func(*secret.SecretManagerConfig, error) (*secret.SecretManagerConfig, error) {
	return func(cfg *secret.SecretManagerConfig, err error) (*secret.SecretManagerConfig, error) {
		if err != nil || !cfg.IsTemplatized() {
			return cfg, err
		}
		return cfg.ResolveTemplate(secret.RuntimeParametersFrom(ctx))
	}
}

// load returns the record if it exists and the caller may use it.
func (s *Store) load(ctx context.Context, accountID, id string) (*secret.EncryptedRecord, error) {
	rec, err := s.store.GetRecord(ctx, accountID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, secret.NotFoundError{Kind: "secret", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret %s: %w", id, err)
	}
	if err := s.authorize(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) authorize(ctx context.Context, rec *secret.EncryptedRecord) error {
	actor := secret.ActorFrom(ctx)
	if !s.validator.HasAccess(ctx, rec.AccountID, actor.IsAccountAdmin, actor.Scope, rec.UsageRestrictions) {
		return secret.AuthorizationError{Message: fmt.Sprintf("secret %s is not usable in the caller's scope", rec.Name)}
	}
	return nil
}

// checkRestrictions validates the restrictions a caller puts on a new or
// updated secret.
func (s *Store) checkRestrictions(ctx context.Context, accountID string, oldR, newR *secret.UsageRestrictions, references []string) error {
	actor := secret.ActorFrom(ctx)
	if err := s.validator.ValidateOnUpdate(ctx, accountID, actor.IsAccountAdmin, oldR, newR); err != nil {
		return err
	}
	if !s.validator.HasAccess(ctx, accountID, actor.IsAccountAdmin, actor.Scope, newR) {
		return secret.AuthorizationError{Message: "the restrictions would exclude the caller's own scope"}
	}
	return s.validator.ValidateNoOrphanedReferences(ctx, accountID, references, newR)
}

func (s *Store) changeLog(ctx context.Context, rec *secret.EncryptedRecord, description string) {
	entry := &secret.SecretChangeLog{
		ID:              uuid.NewString(),
		AccountID:       rec.AccountID,
		EncryptedDataID: rec.ID,
		Description:     description,
		User:            secret.ActorFrom(ctx).UserID,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.AppendChangeLog(ctx, entry); err != nil {
		s.logger.Zap().Warn("failed to write change log",
			zap.String("record", rec.ID),
			zap.String("description", description),
			zap.Error(err),
		)
	}
}

func (s *Store) log(ctx context.Context) *zap.Logger {
	actor := secret.ActorFrom(ctx)
	fields := []zap.Field{zap.String("user", actor.UserID)}
	if actor.CorrelationID != "" {
		fields = append(fields, zap.String("correlationId", actor.CorrelationID))
	}
	return s.logger.Zap().With(fields...)
}

// changes composes a change-log description from the parts that changed,
// in the order they are passed.
type changes []string

func (c *changes) add(changed bool, part string) {
	if changed {
		*c = append(*c, part)
	}
}

func (c changes) String() string {
	if len(c) == 0 {
		return ""
	}
	return "Changed " + strings.Join(c, " & ")
}
