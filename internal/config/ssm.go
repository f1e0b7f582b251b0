package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQueueURLParameter = "/crs-app/sqs/queue_url"
	DefaultDLQURLParameter   = "/crs-app/sqs/dlq_url"
)

var ErrParameterNotFound = errors.New("parameter not found")

type SSMClientInterface interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM resolves queue addresses from the Systems Manager Parameter Store.
// An empty DLQParameter means no dead-letter queue is resolved.
type SSM struct {
	client         SSMClientInterface
	QueueParameter string
	DLQParameter   string
}

func NewSSM(client SSMClientInterface, queueParam, dlqParam string) *SSM {
	if queueParam == "" {
		queueParam = DefaultQueueURLParameter
	}
	return &SSM{
		client:         client,
		QueueParameter: queueParam,
		DLQParameter:   dlqParam,
	}
}

func NewSSMFromConfig(cfg aws.Config, queueParam, dlqParam string) *SSM {
	return NewSSM(ssm.NewFromConfig(cfg), queueParam, dlqParam)
}

func (s *SSM) Resolve(ctx context.Context) (Addresses, error) {
	var addrs Addresses

	queueURL, err := s.parameter(ctx, s.QueueParameter)
	if err != nil {
		log.Error().Err(err).Str("parameter", s.QueueParameter).Msg("Error fetching SQS queue URL from SSM")
		return Addresses{}, err
	}
	addrs.QueueURL = queueURL
	log.Info().Str("queue_url", queueURL).Msg("Retrieved main queue URL from SSM")

	if s.DLQParameter != "" {
		dlqURL, err := s.parameter(ctx, s.DLQParameter)
		if err != nil {
			log.Error().Err(err).Str("parameter", s.DLQParameter).Msg("Error fetching DLQ URL from SSM")
			return Addresses{}, err
		}
		addrs.DLQURL = dlqURL
		log.Info().Str("dlq_url", dlqURL).Msg("Retrieved DLQ URL from SSM")
	}

	return addrs, nil
}

func (s *SSM) parameter(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", ErrParameterNotFound, name)
		}
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return "", fmt.Errorf("%w: %s has no value", ErrParameterNotFound, name)
	}
	return aws.ToString(out.Parameter.Value), nil
}
