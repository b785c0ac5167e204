package secretstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/systmms/dsvault/pkg/backend"
	"github.com/systmms/dsvault/pkg/secret"
)

// RetryConfig bounds every backend call.
type RetryConfig struct {
	MaxAttempts    int
	Interval       time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns 3 attempts, 1s apart, 5s each.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Interval: time.Second, AttemptTimeout: 5 * time.Second}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Interval < 0 {
		c.Interval = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	return c
}

type limiters struct {
	mu sync.RWMutex
	by map[secret.EncryptionType]*rate.Limiter
}

func newLimiters() *limiters {
	return &limiters{by: make(map[secret.EncryptionType]*rate.Limiter)}
}

func (l *limiters) set(t secret.EncryptionType, perSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.by[t] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (l *limiters) wait(ctx context.Context, t secret.EncryptionType) error {
	l.mu.RLock()
	lim, ok := l.by[t]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return lim.Wait(ctx)
}

// call runs fn against backend t under the retry policy. Only transient
// failures are retried; exhausting the attempts yields an OperationError.
func (s *Store) call(ctx context.Context, t secret.EncryptionType, op, record string, fn func(ctx context.Context) error) error {
	attempts := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retry.Interval), uint64(s.retry.MaxAttempts-1)),
		ctx,
	)

	err := backoff.Retry(func() error {
		attempts++
		if err := s.limiters.wait(ctx, t); err != nil {
			return backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.retry.AttemptTimeout)
		defer cancel()
		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = secret.BackendTransientError{Backend: t, Op: op, Err: err}
		}
		if !secret.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempts < s.retry.MaxAttempts {
			s.metrics.RecordRetry(string(t), op)
			s.log(ctx).Debug("retrying backend call",
				zap.String("backend", string(t)),
				zap.String("operation", op),
				zap.String("record", record),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
		}
		return err
	}, policy)

	if err != nil && secret.IsRetryable(err) {
		return secret.OperationError{Op: op, Record: record, Attempts: attempts, Err: err}
	}
	return err
}

func (s *Store) backend(t secret.EncryptionType) (backend.Backend, error) {
	b, err := s.backends.Get(t)
	if err != nil {
		return nil, secret.ValidationError{Field: "encryptionType", Message: err.Error()}
	}
	return b, nil
}

func (s *Store) encrypt(ctx context.Context, req backend.EncryptRequest, cfg *secret.SecretManagerConfig) (backend.Ciphertext, error) {
	b, err := s.backend(cfg.EncryptionType)
	if err != nil {
		return backend.Ciphertext{}, err
	}
	var ct backend.Ciphertext
	err = s.call(ctx, cfg.EncryptionType, "encrypt", req.Name, func(ctx context.Context) error {
		var err error
		ct, err = b.Encrypt(ctx, req, cfg)
		return err
	})
	return ct, err
}

func (s *Store) decrypt(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) ([]byte, error) {
	b, err := s.backend(rec.EncryptionType)
	if err != nil {
		return nil, err
	}
	var plain []byte
	err = s.call(ctx, rec.EncryptionType, "decrypt", rec.Name, func(ctx context.Context) error {
		var err error
		plain, err = b.Decrypt(ctx, rec, cfg)
		return err
	})
	return plain, err
}

func (s *Store) deleteExternal(ctx context.Context, rec *secret.EncryptedRecord, cfg *secret.SecretManagerConfig) error {
	b, err := s.backend(rec.EncryptionType)
	if err != nil {
		return err
	}
	return s.call(ctx, rec.EncryptionType, "delete", rec.Name, func(ctx context.Context) error {
		return b.DeleteExternal(ctx, rec, cfg)
	})
}

// claim refuses to write an inline value of name over an external secret
// that existing did not itself create. Overwriting is allowed only when
// existing is the inline copy already stored at that location.
func (s *Store) claim(ctx context.Context, name string, cfg *secret.SecretManagerConfig, existing *secret.EncryptedRecord) error {
	b, err := s.backend(cfg.EncryptionType)
	if err != nil {
		return err
	}
	loc, ok := b.(backend.Locator)
	if !ok {
		return nil
	}

	var (
		key    string
		exists bool
	)
	err = s.call(ctx, cfg.EncryptionType, "locate", name, func(ctx context.Context) error {
		var err error
		key, exists, err = loc.Locate(ctx, name, cfg)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if existing != nil && !existing.IsReference() && existing.EncryptionType == cfg.EncryptionType && existing.EncryptionKey == key {
		return nil
	}
	return secret.ValidationError{
		Field:   "name",
		Message: fmt.Sprintf("%s already holds a secret at %s that was not written by this record; save a path reference to it instead", cfg.EncryptionType, key),
	}
}
