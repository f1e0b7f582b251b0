package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/richardbowden/sqs-processor/internal/queue"
	"github.com/rs/zerolog/log"
)

// IDFunc extracts the logical id and type used for deduplication. Producers may
// resend the same logical message under a new queue message id, so the queue id
// is only a fallback.
type IDFunc func(d queue.Delivery) (id, messageType string)

// QueueMessageID deduplicates on the backend-assigned message id.
func QueueMessageID(d queue.Delivery) (string, string) {
	return d.MessageID, ""
}

// Guard wraps h so that a delivery whose id was already processed is
// acknowledged without running h again.
func Guard(store Store, idFn IDFunc, h queue.Handler) queue.Handler {
	if idFn == nil {
		idFn = QueueMessageID
	}

	return func(ctx context.Context, d queue.Delivery) error {
		id, messageType := idFn(d)
		if id == "" {
			return h(ctx, d)
		}

		processed, err := store.IsProcessed(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to check if message %s was processed: %w", id, err)
		}
		if processed {
			log.Info().Str("message_id", id).Msg("Duplicate message detected, skipping")
			return nil
		}

		if err := h(ctx, d); err != nil {
			return err
		}

		if err := store.MarkProcessed(ctx, id, messageType); err != nil {
			// the work is done; failing here would only cause a redelivery
			log.Error().Err(err).Str("message_id", id).Msg("Failed to mark message as processed")
		}
		return nil
	}
}

// RunCleanup prunes the store every interval until ctx is cancelled.
func RunCleanup(ctx context.Context, store Store, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := store.Cleanup(ctx, retention); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup deduplication store")
			} else {
				log.Debug().Msg("Cleaned up old deduplication entries")
			}
		case <-ctx.Done():
			return
		}
	}
}
