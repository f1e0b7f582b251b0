package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	isProcessedQuery   = `SELECT EXISTS (SELECT 1 FROM processed_messages WHERE message_id = $1)`
	markProcessedQuery = `INSERT INTO processed_messages (message_id, message_type, processed_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`
	cleanupQuery       = `DELETE FROM processed_messages WHERE processed_at < $1`
)

// PostgresStore keeps processed ids in the processed_messages table. The
// connection pool belongs to the caller and is not closed by Close.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var processed bool
	if err := p.db.QueryRowContext(ctx, isProcessedQuery, messageID).Scan(&processed); err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", messageID, err)
	}
	return processed, nil
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, messageID, messageType string) error {
	if _, err := p.db.ExecContext(ctx, markProcessedQuery, messageID, messageType, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record %s: %w", messageID, err)
	}
	return nil
}

func (p *PostgresStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	res, err := p.db.ExecContext(ctx, cleanupQuery, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("failed to prune processed messages: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		log.Debug().Int64("removed", n).Msg("Pruned processed messages")
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return nil
}
