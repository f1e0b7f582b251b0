package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

type RedriveReport struct {
	Received int
	Moved    int
	Failed   int
}

// Redrive moves up to max messages from a dead-letter queue back onto the main
// queue. A message is deleted from the dead-letter queue only after it was sent
// to the main queue, so a failure can duplicate but never lose it.
func Redrive(ctx context.Context, from, to *Processor, max int) (RedriveReport, error) {
	var report RedriveReport

	for report.Received < max {
		batch := max - report.Received
		if batch > sqsMaxBatch {
			batch = sqsMaxBatch
		}

		msgs, err := from.Receive(ctx, batch, 0)
		if err != nil {
			return report, fmt.Errorf("redrive from %s: %w", from.QueueURL(), err)
		}
		if len(msgs) == 0 {
			break
		}
		report.Received += len(msgs)

		for _, msg := range msgs {
			rl := log.With().Str("message_id", msg.ID).Str("from", from.QueueURL()).Str("to", to.QueueURL()).Logger()

			id, err := to.SendRaw(ctx, msg.Body, msg.Attributes)
			if err != nil {
				rl.Error().Err(err).Msg("Failed to redrive message, leaving it on the dead-letter queue")
				report.Failed++
				continue
			}

			if err := from.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
				rl.Error().Err(err).Str("new_message_id", id).Msg("Message redriven but not deleted from dead-letter queue")
				report.Failed++
				continue
			}

			rl.Debug().Str("new_message_id", id).Msg("Message redriven")
			report.Moved++
		}
	}

	return report, nil
}
