package restrictions_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/systmms/dsvault/internal/restrictions"
	"github.com/systmms/dsvault/pkg/secret"
)

func scopes(s ...secret.Scope) *secret.UsageRestrictions {
	return &secret.UsageRestrictions{Scopes: s}
}

func TestHasAccess(t *testing.T) {
	t.Parallel()
	v := restrictions.NewScopeValidator(nil)
	ctx := context.Background()
	caller := secret.ScopeContext{AppID: "billing", EnvID: "prod"}

	tests := []struct {
		name  string
		admin bool
		r     *secret.UsageRestrictions
		want  bool
	}{
		{"account_wide", false, nil, true},
		{"admin_bypasses", true, scopes(secret.Scope{AppID: "other"}), true},
		{"app_match", false, scopes(secret.Scope{AppID: "billing"}), true},
		{"env_mismatch", false, scopes(secret.Scope{AppID: "billing", EnvID: "dev"}), false},
		{"second_scope_matches", false, scopes(secret.Scope{AppID: "x"}, secret.Scope{EnvID: "prod"}), true},
		{"no_match", false, scopes(secret.Scope{AppID: "x"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, v.HasAccess(ctx, "acct", tt.admin, caller, tt.r))
		})
	}
}

func TestValidateOnUpdate(t *testing.T) {
	t.Parallel()
	v := restrictions.NewScopeValidator(nil)
	ctx := context.Background()
	app := scopes(secret.Scope{AppID: "billing"})
	appProd := scopes(secret.Scope{AppID: "billing", EnvID: "prod"})

	tests := []struct {
		name     string
		admin    bool
		oldR     *secret.UsageRestrictions
		newR     *secret.UsageRestrictions
		wantKind secret.Kind
	}{
		{"narrowing", false, app, appProd, secret.KindUnknown},
		{"widening_to_account", false, app, nil, secret.KindAuthorization},
		{"widening_scope", false, appProd, app, secret.KindAuthorization},
		{"admin_widens", true, appProd, nil, secret.KindUnknown},
		{"from_account_wide", false, nil, app, secret.KindUnknown},
		{"empty_scope_list", true, nil, scopes(), secret.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := v.ValidateOnUpdate(ctx, "acct", tt.admin, tt.oldR, tt.newR)
			if tt.wantKind == secret.KindUnknown {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantKind, secret.KindOf(err))
		})
	}
}

func TestValidateNoOrphanedReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	resolver := restrictions.NewStaticScopes(map[string]secret.Scope{
		"svc-prod": {AppID: "billing", EnvID: "prod"},
		"svc-dev":  {AppID: "billing", EnvID: "dev"},
	})
	v := restrictions.NewScopeValidator(resolver)

	assert.NoError(t, v.ValidateNoOrphanedReferences(ctx, "acct", []string{"svc-prod", "svc-dev"}, nil))
	assert.NoError(t, v.ValidateNoOrphanedReferences(ctx, "acct", []string{"svc-prod", "svc-dev"}, scopes(secret.Scope{AppID: "billing"})))
	assert.NoError(t, v.ValidateNoOrphanedReferences(ctx, "acct", []string{"unknown"}, scopes(secret.Scope{AppID: "x"})))

	err := v.ValidateNoOrphanedReferences(ctx, "acct", []string{"svc-prod", "svc-dev"}, scopes(secret.Scope{AppID: "billing", EnvID: "prod"}))
	assert.True(t, secret.IsValidation(err))
	assert.Contains(t, err.Error(), "svc-dev")
	assert.NotContains(t, err.Error(), "svc-prod")

	resolver.Set("svc-dev", secret.Scope{AppID: "billing", EnvID: "prod"})
	assert.NoError(t, v.ValidateNoOrphanedReferences(ctx, "acct", []string{"svc-dev"}, scopes(secret.Scope{AppID: "billing", EnvID: "prod"})))
}
