package jobs

import (
	"errors"
	"time"

	"github.com/rs/xid"
)

const (
	TypeEmail        = "email"
	TypeNotification = "notification"
)

var (
	ErrUnknownType  = errors.New("unknown job type")
	ErrMissingField = errors.New("missing required field")
)

// represents the structure of job messages on the queue
type Message struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Data     map[string]any    `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func NewMessage(jobType string, data map[string]any) Message {
	return Message{
		ID:   jobType + "-" + xid.New().String(),
		Type: jobType,
		Data: data,
		Metadata: map[string]string{
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func NewEmail(recipient, subject, body string) Message {
	return NewMessage(TypeEmail, map[string]any{
		"recipient": recipient,
		"subject":   subject,
		"body":      body,
	})
}

// NewWelcomeEmail builds the email job sent after a user registers.
func NewWelcomeEmail(recipient, username string) Message {
	msg := NewEmail(recipient, "Welcome to CRS", "Hello "+username+",\n\nYour account has been created.")
	msg.Metadata["event"] = "registration"
	return msg
}

func NewNotification(userID, notificationType, content string) Message {
	return NewMessage(TypeNotification, map[string]any{
		"user_id": userID,
		"type":    notificationType,
		"content": content,
	})
}

func (m Message) str(key string) (string, bool) {
	v, ok := m.Data[key].(string)
	return v, ok && v != ""
}
