package dedup

import (
	"context"
	"errors"
	"time"
)

// DefaultRetention is how long processed message ids are remembered.
const DefaultRetention = 7 * 24 * time.Hour

var ErrClosed = errors.New("deduplication store is closed")

// tracking processed messages
type Store interface {
	// checks if a message has already been processed
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// records that a message has been processed
	MarkProcessed(ctx context.Context, messageID, messageType string) error

	// removes old entries to prevent unbounded growth
	Cleanup(ctx context.Context, olderThan time.Duration) error

	// releases any resources, could be a noop if not required
	Close() error
}
