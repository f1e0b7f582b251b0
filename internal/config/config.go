package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
)

var ErrNoQueueURL = errors.New("queue URL is not configured")

// Addresses are the queue locators the processor works against.
type Addresses struct {
	QueueURL string
	DLQURL   string
}

// Source resolves queue addresses at startup.
type Source interface {
	Resolve(ctx context.Context) (Addresses, error)
}

// Static returns addresses given on the command line or in the environment.
type Static Addresses

func (s Static) Resolve(ctx context.Context) (Addresses, error) {
	if strings.TrimSpace(s.QueueURL) == "" {
		return Addresses{}, ErrNoQueueURL
	}
	return Addresses(s), nil
}

// LoadDotEnv loads variables from the given files, ignoring files that do not
// exist. Variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadAWS builds the AWS config. endpoint overrides the service endpoint for
// every client, which is how LocalStack is targeted.
func LoadAWS(ctx context.Context, region, endpoint string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if endpoint != "" {
		cfg.BaseEndpoint = aws.String(endpoint)
	}
	return cfg, nil
}
