package metadatastore

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	rdsauth "github.com/aws/aws-sdk-go-v2/feature/rds/auth"
)

// buildRDSAuthToken generates a short-lived IAM auth token usable as the
// password in a Postgres DSN, the optional auth mode carried from the
// teacher's RDS config (see the DOMAIN STACK table in SPEC_FULL.md).
func buildRDSAuthToken(ctx context.Context, host string, port int, user, region string) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return "", fmt.Errorf("loading AWS config: %w", err)
	}

	endpoint := fmt.Sprintf("%s:%d", host, port)
	token, err := rdsauth.BuildAuthToken(ctx, endpoint, region, user, cfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("building RDS auth token: %w", err)
	}
	return token, nil
}
