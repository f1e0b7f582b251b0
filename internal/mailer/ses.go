package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

// ErrRejected means SES refused the message, typically because the sender or
// recipient address is not verified. Retrying will not help.
var ErrRejected = errors.New("email rejected")

type SESClientInterface interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a single email and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, email Email) (string, error)
}

type SES struct {
	client SESClientInterface
	from   string
}

func NewSES(client SESClientInterface, from string) *SES {
	return &SES{client: client, from: from}
}

func NewSESFromConfig(cfg aws.Config, from string) *SES {
	return NewSES(ses.NewFromConfig(cfg), from)
}

func (s *SES) Send(ctx context.Context, email Email) (string, error) {
	if strings.TrimSpace(email.To) == "" {
		return "", fmt.Errorf("%w: empty recipient", ErrRejected)
	}

	body := &types.Body{
		Text: &types.Content{Data: aws.String(email.Text), Charset: aws.String("UTF-8")},
	}
	if email.HTML != "" {
		body.Html = &types.Content{Data: aws.String(email.HTML), Charset: aws.String("UTF-8")}
	}

	out, err := s.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(s.from),
		Destination: &types.Destination{ToAddresses: []string{email.To}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(email.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	})
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			log.Info().Str("recipient", email.To).Msg("Email not sent (address not verified)")
			return "", fmt.Errorf("%w: %v", ErrRejected, err)
		}

		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			log.Warn().Str("recipient", email.To).Str("code", apiErr.ErrorCode()).Err(err).Msg("Could not send email")
		}
		return "", fmt.Errorf("failed to send email to %s: %w", email.To, err)
	}

	id := aws.ToString(out.MessageId)
	log.Debug().Str("recipient", email.To).Str("ses_message_id", id).Msg("Email sent")
	return id, nil
}
