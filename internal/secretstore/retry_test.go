package secretstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsvault/internal/secretstore"
	"github.com/systmms/dsvault/pkg/secret"
)

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addKMS(t, true)

	f.kms.SetErrorTimes("Encrypt", transient("encrypt"), 2)
	_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "s", Value: "v"})
	require.NoError(t, err)
	assert.Equal(t, 3, f.kms.Calls("Encrypt"))
}

func TestExhaustedRetriesAreFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	f.addKMS(t, true)

	f.kms.SetError("Encrypt", transient("encrypt"))
	_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "s", Value: "v"})
	require.Error(t, err)
	assert.Equal(t, 3, f.kms.Calls("Encrypt"))

	var opErr secret.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 3, opErr.Attempts)
	assert.Equal(t, secret.KindFatal, secret.KindOf(err))

	page, err := f.store.ListSecrets(ctx, acct, secretstore.ListFilter{IsAccountAdmin: true})
	require.NoError(t, err)
	assert.Empty(t, page.Records, "nothing is persisted when the backend fails")
}

func TestFatalFailuresAreNotRetried(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.addKMS(t, true)

	f.kms.SetError("Encrypt", secret.BackendFatalError{Backend: secret.EncryptionKMS, Op: "encrypt", Err: errors.New("access denied")})
	_, err := f.store.SaveSecret(context.Background(), acct, secretstore.SecretText{Name: "s", Value: "v"})
	require.Error(t, err)
	assert.Equal(t, 1, f.kms.Calls("Encrypt"))

	var opErr secret.OperationError
	assert.False(t, errors.As(err, &opErr))
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	t.Parallel()
	f := newFixture(t, secretstore.WithRetry(secretstore.RetryConfig{
		MaxAttempts:    2,
		Interval:       time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
	}))
	f.addKMS(t, true)
	f.kms.Delay = time.Second

	_, err := f.store.SaveSecret(context.Background(), acct, secretstore.SecretText{Name: "s", Value: "v"})
	var opErr secret.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 2, f.kms.Calls("Encrypt"))
}

func TestRateLimitedBackend(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := newFixture(t, secretstore.WithRateLimit(secret.EncryptionKMS, 0.001, 1))
	f.addKMS(t, true)

	_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "first", Value: "v"})
	require.NoError(t, err)
	_, err = f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "second", Value: "v"})
	assert.Error(t, err, "the second call cannot get a token before the deadline")
	assert.Equal(t, 1, f.kms.Calls("Encrypt"))
}
