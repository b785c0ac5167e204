package backends

import (
	"context"
	"fmt"

	"google.golang.org/api/impersonate"
	"google.golang.org/api/option"

	"github.com/systmms/dsvault/pkg/secret"
)

// gcpClientOptions builds client options from a GCP config: inline service
// account JSON from the credentials field, else a key file setting, else
// application default credentials. impersonateAccount switches to a token
// source for that service account.
func gcpClientOptions(ctx context.Context, cfg *secret.SecretManagerConfig) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	if creds := cfg.Secret(secret.CredGCPKey); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	} else if path := cfg.Setting("credentialsFile", ""); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}

	if target := cfg.Setting("impersonateAccount", ""); target != "" {
		ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
			TargetPrincipal: target,
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create impersonated credentials: %w", err)
		}
		opts = []option.ClientOption{option.WithTokenSource(ts)}
	}

	if endpoint := cfg.Setting("endpoint", ""); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts, nil
}
