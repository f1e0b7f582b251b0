package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

const (
	sqsMaxBatch    = 10
	sqsMaxWaitTime = 20 * time.Second
)

type SQSClientInterface interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSBackend talks to Amazon SQS.
type SQSBackend struct {
	client SQSClientInterface
}

func NewSQSBackend(client SQSClientInterface) *SQSBackend {
	return &SQSBackend{client: client}
}

func NewSQSBackendFromConfig(cfg aws.Config, optFns ...func(*sqs.Options)) *SQSBackend {
	return NewSQSBackend(sqs.NewFromConfig(cfg, optFns...))
}

func (b *SQSBackend) Send(ctx context.Context, queue, body string, attrs map[string]string) (string, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queue),
		MessageBody: aws.String(body),
	}
	if len(attrs) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			input.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	out, err := b.client.SendMessage(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}

func (b *SQSBackend) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error) {
	if max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	if wait > sqsMaxWaitTime {
		wait = sqsMaxWaitTime
	}
	if wait < 0 {
		wait = 0
	}

	out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(queue),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(wait / time.Second),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, fromSQSMessage(m))
	}
	return msgs, nil
}

func (b *SQSBackend) Delete(ctx context.Context, queue, handle string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queue),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return staleHandleError(err)
	}
	return nil
}

// staleHandleError wraps ErrStaleHandle around the ways SQS rejects a receipt
// handle: a malformed one, or one whose visibility timeout expired
// (InvalidParameterValue "The receipt handle has expired").
func staleHandleError(err error) error {
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: %v", ErrStaleHandle, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) &&
		strings.HasSuffix(apiErr.ErrorCode(), "InvalidParameterValue") &&
		strings.Contains(strings.ToLower(apiErr.ErrorMessage()), "receipt handle") {
		return fmt.Errorf("%w: %v", ErrStaleHandle, err)
	}
	return err
}

// ChangeVisibility resets the visibility timeout of an in-flight delivery.
func (b *SQSBackend) ChangeVisibility(ctx context.Context, queue, handle string, timeout time.Duration) error {
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queue),
		ReceiptHandle:     aws.String(handle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return staleHandleError(err)
	}
	log.Debug().Dur("timeout", timeout).Msg("Changed message visibility timeout")
	return nil
}

func (b *SQSBackend) Stats(ctx context.Context, queue string) (Stats, error) {
	result, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queue),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return Stats{}, err
	}

	attr := func(name types.QueueAttributeName) int64 {
		n, _ := strconv.ParseInt(result.Attributes[string(name)], 10, 64)
		return n
	}

	return Stats{
		Available: attr(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight:  attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:   attr(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

func fromSQSMessage(m types.Message) Message {
	msg := Message{
		ID:            aws.ToString(m.MessageId),
		Body:          aws.ToString(m.Body),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
	}

	if len(m.MessageAttributes) > 0 {
		msg.Attributes = make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			msg.Attributes[k] = aws.ToString(v.StringValue)
		}
	}

	if rc, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		msg.ReceiveCount, _ = strconv.Atoi(rc)
	}
	return msg
}
