package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DatabaseInterface is the delivery log surface the job handlers write to.
type DatabaseInterface interface {
	CreateEmailLog(ctx context.Context, params CreateEmailLogParams) error
	CreateNotificationLog(ctx context.Context, params CreateNotificationLogParams) error
	Close() error
}

type Database struct {
	db      *sql.DB
	queries *Queries
}

func NewDatabase(ctx context.Context, databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewDatabaseFromDB(db), nil
}

func NewDatabaseFromDB(db *sql.DB) *Database {
	return &Database{
		db:      db,
		queries: New(db),
	}
}

// DB exposes the connection pool for stores sharing it.
func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) CreateEmailLog(ctx context.Context, params CreateEmailLogParams) error {
	return d.queries.CreateEmailLog(ctx, params)
}

func (d *Database) CreateNotificationLog(ctx context.Context, params CreateNotificationLogParams) error {
	return d.queries.CreateNotificationLog(ctx, params)
}

// ListEmailLogs returns the newest email deliveries first. An empty recipient
// matches every address.
func (d *Database) ListEmailLogs(ctx context.Context, recipient string, limit int) ([]EmailLog, error) {
	return d.queries.ListEmailLogs(ctx, recipient, limit)
}

func (d *Database) ListNotificationLogs(ctx context.Context, userID string, limit int) ([]NotificationLog, error) {
	return d.queries.ListNotificationLogs(ctx, userID, limit)
}
