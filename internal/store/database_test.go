package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEmailLog(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)

	database := NewDatabaseFromDB(db)
	defer database.Close()

	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	sqlMock.ExpectExec(regexp.QuoteMeta("INSERT INTO email_logs")).
		WithArgs("email-001", "test@example.com", "Welcome", EmailStatusSent, "ses-123", created).
		WillReturnResult(sqlmock.NewResult(1, 1))
	sqlMock.ExpectClose()

	err = database.CreateEmailLog(context.Background(), CreateEmailLogParams{
		MessageID:    "email-001",
		Recipient:    "test@example.com",
		Subject:      "Welcome",
		Status:       EmailStatusSent,
		SESMessageID: "ses-123",
		CreatedAt:    created,
	})

	require.NoError(t, err)
}

func TestCreateNotificationLogError(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	database := NewDatabaseFromDB(db)

	sqlMock.ExpectExec(regexp.QuoteMeta("INSERT INTO notification_logs")).
		WithArgs("notif-001", "user123", "push", "Hello", NotificationStatusDelivered, sqlmock.AnyArg()).
		WillReturnError(assert.AnError)

	err = database.CreateNotificationLog(context.Background(), CreateNotificationLogParams{
		MessageID: "notif-001",
		UserID:    "user123",
		Type:      "push",
		Content:   "Hello",
		Status:    NotificationStatusDelivered,
		CreatedAt: time.Now(),
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestListEmailLogs(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	database := NewDatabaseFromDB(db)
	created := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	sqlMock.ExpectQuery(regexp.QuoteMeta("FROM email_logs")).
		WithArgs("test@example.com", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "message_id", "recipient", "subject", "status", "ses_message_id", "created_at"}).
			AddRow(int64(7), "email-001", "test@example.com", "Welcome", EmailStatusRejected, "", created))

	logs, err := database.ListEmailLogs(context.Background(), "test@example.com", 5)

	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(7), logs[0].ID)
	assert.Equal(t, EmailStatusRejected, logs[0].Status)
	assert.Equal(t, created, logs[0].CreatedAt)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestListNotificationLogsAllUsers(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	database := NewDatabaseFromDB(db)
	created := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)

	sqlMock.ExpectQuery(regexp.QuoteMeta("FROM notification_logs")).
		WithArgs("", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "message_id", "user_id", "type", "content", "status", "created_at"}).
			AddRow(int64(1), "notif-001", "user123", "push", "Hello", NotificationStatusDelivered, created).
			AddRow(int64(2), "notif-002", "user456", "sms", "Hi", NotificationStatusDelivered, created))

	logs, err := database.ListNotificationLogs(context.Background(), "", 10)

	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "user456", logs[1].UserID)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestListEmailLogsQueryError(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sqlMock.ExpectQuery(regexp.QuoteMeta("FROM email_logs")).WillReturnError(assert.AnError)

	_, err = NewDatabaseFromDB(db).ListEmailLogs(context.Background(), "", 10)
	assert.ErrorIs(t, err, assert.AnError)
}
