package backends

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/systmms/dsvault/pkg/secret"
)

const defaultAWSRegion = "us-east-1"

// loadAWSConfig builds an aws.Config from a KMS or Secrets Manager config.
// Static keys win over the default chain; assumeRoleArn layers STS on top.
func loadAWSConfig(ctx context.Context, cfg *secret.SecretManagerConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Setting("region", defaultAWSRegion)),
	}

	accessKey := cfg.Setting(secret.CredAccessKey, "")
	secretKey := cfg.Secret(secret.CredSecretKey)
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if roleArn := cfg.Setting("assumeRoleArn", ""); roleArn != "" {
		externalID := cfg.Setting("externalId", "")
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), roleArn, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "dsvault"
			if externalID != "" {
				o.ExternalID = aws.String(externalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return awsCfg, nil
}

func awsEndpoint(cfg *secret.SecretManagerConfig) *string {
	if e := cfg.Setting("endpoint", ""); e != "" {
		return aws.String(e)
	}
	return nil
}
