// Package awscfg loads the shared AWS configuration used by the SQS, DynamoDB
// and SES adapters.
package awscfg

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// DefaultRegion is used when neither the caller nor the environment picks one.
const DefaultRegion = "us-east-1"

// Load reads credentials from the default chain. An empty region falls back to
// the environment and then DefaultRegion.
func Load(ctx context.Context, region string, maxAttempts int) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	if maxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(maxAttempts))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	return cfg, nil
}

// Endpoint returns a pointer for a service BaseEndpoint override, or nil when
// endpoint is empty. Used for LocalStack.
func Endpoint(endpoint string) *string {
	if endpoint == "" {
		return nil
	}
	return aws.String(endpoint)
}
