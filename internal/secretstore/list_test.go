package secretstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dsvault/internal/secretstore"
	"github.com/systmms/dsvault/pkg/secret"
)

func TestListingFiltersBeforePaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// Two of every three records belong to another app, so each batch holds
	// fewer visible records than a page.
	visible := map[string]bool{}
	for i := 0; i < 45; i++ {
		name := fmt.Sprintf("secret-%02d", i)
		r := appOnly("search")
		if i%3 == 0 {
			r = appOnly("billing")
			visible[name] = true
		}
		_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: name, Value: "v", Restrictions: r})
		require.NoError(t, err)
	}

	filter := secretstore.ListFilter{
		ScopeContext: secret.ScopeContext{AppID: "billing", EnvID: "prod"},
		PageSize:     4,
	}
	seen := map[string]bool{}
	for pages := 0; pages < 20; pages++ {
		page, err := f.store.ListSecrets(ctx, acct, filter)
		require.NoError(t, err)
		for _, rec := range page.Records {
			assert.True(t, visible[rec.Name], "%s leaked into the listing", rec.Name)
			assert.False(t, seen[rec.Name], "%s listed twice", rec.Name)
			assert.Equal(t, secret.Mask, rec.EncryptedValue)
			seen[rec.Name] = true
		}
		if len(page.Records) < filter.PageSize {
			break
		}
		assert.Greater(t, page.NextOffset, filter.Offset)
		filter.Offset = page.NextOffset
	}
	assert.Len(t, seen, len(visible))
}

func TestListingFirstPageFillsAcrossBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	for i := 0; i < 10; i++ {
		_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: fmt.Sprintf("hidden-%d", i), Value: "v", Restrictions: appOnly("search")})
		require.NoError(t, err)
	}
	_, err := f.store.SaveSecret(ctx, acct, secretstore.SecretText{Name: "mine", Value: "v", Restrictions: appOnly("billing")})
	require.NoError(t, err)

	page, err := f.store.ListSecrets(ctx, acct, secretstore.ListFilter{
		ScopeContext: secret.ScopeContext{AppID: "billing"},
		PageSize:     1,
		Details:      true,
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "mine", page.Records[0].Name)
	assert.Equal(t, 11, page.NextOffset)
	assert.Equal(t, 1, page.Total)

	page, err = f.store.ListSecrets(ctx, acct, secretstore.ListFilter{IsAccountAdmin: true, PageSize: 5, Details: true})
	require.NoError(t, err)
	assert.Len(t, page.Records, 5)
	assert.Equal(t, 5, page.NextOffset)
	assert.Equal(t, 11, page.Total)
}
