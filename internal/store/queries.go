package store

import (
	"context"
	"database/sql"
	"time"
)

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

const (
	EmailStatusSent     = "sent"
	EmailStatusRejected = "rejected"

	NotificationStatusDelivered = "delivered"
)

type CreateEmailLogParams struct {
	MessageID    string
	Recipient    string
	Subject      string
	Status       string
	SESMessageID string
	CreatedAt    time.Time
}

type CreateNotificationLogParams struct {
	MessageID string
	UserID    string
	Type      string
	Content   string
	Status    string
	CreatedAt time.Time
}

type EmailLog struct {
	ID           int64     `json:"id"`
	MessageID    string    `json:"message_id"`
	Recipient    string    `json:"recipient"`
	Subject      string    `json:"subject"`
	Status       string    `json:"status"`
	SESMessageID string    `json:"ses_message_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type NotificationLog struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

const createEmailLog = `-- name: CreateEmailLog :exec
INSERT INTO email_logs (message_id, recipient, subject, status, ses_message_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

func (q *Queries) CreateEmailLog(ctx context.Context, arg CreateEmailLogParams) error {
	_, err := q.db.ExecContext(ctx, createEmailLog,
		arg.MessageID,
		arg.Recipient,
		arg.Subject,
		arg.Status,
		arg.SESMessageID,
		arg.CreatedAt,
	)
	return err
}

const createNotificationLog = `-- name: CreateNotificationLog :exec
INSERT INTO notification_logs (message_id, user_id, type, content, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

func (q *Queries) CreateNotificationLog(ctx context.Context, arg CreateNotificationLogParams) error {
	_, err := q.db.ExecContext(ctx, createNotificationLog,
		arg.MessageID,
		arg.UserID,
		arg.Type,
		arg.Content,
		arg.Status,
		arg.CreatedAt,
	)
	return err
}

const listEmailLogs = `-- name: ListEmailLogs :many
SELECT id, message_id, recipient, subject, status, ses_message_id, created_at
FROM email_logs
WHERE ($1 = '' OR recipient = $1)
ORDER BY created_at DESC
LIMIT $2
`

func (q *Queries) ListEmailLogs(ctx context.Context, recipient string, limit int) ([]EmailLog, error) {
	rows, err := q.db.QueryContext(ctx, listEmailLogs, recipient, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []EmailLog
	for rows.Next() {
		var i EmailLog
		if err := rows.Scan(
			&i.ID,
			&i.MessageID,
			&i.Recipient,
			&i.Subject,
			&i.Status,
			&i.SESMessageID,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listNotificationLogs = `-- name: ListNotificationLogs :many
SELECT id, message_id, user_id, type, content, status, created_at
FROM notification_logs
WHERE ($1 = '' OR user_id = $1)
ORDER BY created_at DESC
LIMIT $2
`

func (q *Queries) ListNotificationLogs(ctx context.Context, userID string, limit int) ([]NotificationLog, error) {
	rows, err := q.db.QueryContext(ctx, listNotificationLogs, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []NotificationLog
	for rows.Next() {
		var i NotificationLog
		if err := rows.Scan(
			&i.ID,
			&i.MessageID,
			&i.UserID,
			&i.Type,
			&i.Content,
			&i.Status,
			&i.CreatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
