package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/richardbowden/sqs-processor/internal/mailer"
	"github.com/richardbowden/sqs-processor/internal/store"
	"github.com/rs/zerolog/log"
)

const processingTimeout = 10 * time.Second

// Handlers holds the collaborators the built-in job types need.
type Handlers struct {
	Mailer mailer.Sender
	DB     store.DatabaseInterface
	Quiet  bool
}

// Register adds the built-in handlers to r. Email jobs are only handled when a
// Mailer is configured.
func (h *Handlers) Register(r *Router) {
	if h.Mailer != nil {
		r.Register(TypeEmail, h.HandleEmail)
	}
	r.Register(TypeNotification, h.HandleNotification)
}

func (h *Handlers) HandleEmail(ctx context.Context, msg *Message) error {
	startTime := time.Now()
	el := log.With().Str("handler", "email").Str("message_id", msg.ID).Logger()

	defer func() {
		el.Debug().Dur("duration", time.Since(startTime)).Msg("Email processing complete")
	}()

	recipient, ok := msg.str("recipient")
	if !ok {
		return fmt.Errorf("%w: recipient", ErrMissingField)
	}
	subject, ok := msg.str("subject")
	if !ok {
		return fmt.Errorf("%w: subject", ErrMissingField)
	}
	body, _ := msg.str("body")
	html, _ := msg.str("html")

	processingCtx, cancel := context.WithTimeout(ctx, processingTimeout)
	defer cancel()

	el.Debug().Str("recipient", recipient).Str("subject", subject).Msg("Sending email")

	status := store.EmailStatusSent
	sesID, err := h.Mailer.Send(processingCtx, mailer.Email{
		To:      recipient,
		Subject: subject,
		Text:    body,
		HTML:    html,
	})
	if err != nil {
		if !errors.Is(err, mailer.ErrRejected) {
			return err
		}
		// a rejected address will be rejected again, record it and acknowledge
		status = store.EmailStatusRejected
	}

	err = h.DB.CreateEmailLog(processingCtx, store.CreateEmailLogParams{
		MessageID:    msg.ID,
		Recipient:    recipient,
		Subject:      subject,
		Status:       status,
		SESMessageID: sesID,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save email log: %w", err)
	}

	if h.Quiet {
		el.Debug().Str("recipient", recipient).Str("status", status).Msg("Email handled")
	} else {
		el.Info().Str("recipient", recipient).Str("status", status).Msg("Email handled")
	}
	return nil
}

func (h *Handlers) HandleNotification(ctx context.Context, msg *Message) error {
	startTime := time.Now()
	nl := log.With().Str("handler", "notification").Str("message_id", msg.ID).Logger()

	defer func() {
		nl.Debug().Dur("duration", time.Since(startTime)).Msg("Notification processing complete")
	}()

	userID, ok := msg.str("user_id")
	if !ok {
		return fmt.Errorf("%w: user_id", ErrMissingField)
	}
	notificationType, ok := msg.str("type")
	if !ok {
		return fmt.Errorf("%w: type", ErrMissingField)
	}
	content, ok := msg.str("content")
	if !ok {
		return fmt.Errorf("%w: content", ErrMissingField)
	}

	processingCtx, cancel := context.WithTimeout(ctx, processingTimeout)
	defer cancel()

	err := h.DB.CreateNotificationLog(processingCtx, store.CreateNotificationLogParams{
		MessageID: msg.ID,
		UserID:    userID,
		Type:      notificationType,
		Content:   content,
		Status:    store.NotificationStatusDelivered,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save notification log: %w", err)
	}

	if h.Quiet {
		nl.Debug().Str("user_id", userID).Str("type", notificationType).Msg("Notification sent successfully")
	} else {
		nl.Info().Str("user_id", userID).Str("type", notificationType).Msg("Notification sent successfully")
	}
	return nil
}
