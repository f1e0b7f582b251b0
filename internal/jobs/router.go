package jobs

import (
	"context"
	"fmt"

	"github.com/richardbowden/sqs-processor/internal/queue"
	"github.com/rs/zerolog/log"
)

// TypeHandler processes one decoded job.
type TypeHandler func(ctx context.Context, msg *Message) error

// Router decodes the job envelope and dispatches on its type.
type Router struct {
	handlers map[string]TypeHandler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]TypeHandler)}
}

func (r *Router) Register(jobType string, h TypeHandler) {
	r.handlers[jobType] = h
}

func (r *Router) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Handle implements queue.Handler. Unknown types are returned as errors so the
// message stays on the queue and ends up on the dead-letter queue.
func (r *Router) Handle(ctx context.Context, d queue.Delivery) error {
	var msg Message
	if err := d.Decode(&msg); err != nil {
		return fmt.Errorf("failed to decode job: %w", err)
	}
	if msg.ID == "" {
		msg.ID = d.MessageID
	}

	h, ok := r.handlers[msg.Type]
	if !ok {
		log.Warn().Str("message_type", msg.Type).Str("message_id", msg.ID).Msg("No handler for message type")
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return h(ctx, &msg)
}

// JobID is a dedup.IDFunc keyed on the job id rather than the queue message id,
// so a job resent by its producer is still recognised.
func JobID(d queue.Delivery) (string, string) {
	var msg Message
	if err := d.Decode(&msg); err != nil || msg.ID == "" {
		return d.MessageID, ""
	}
	return msg.ID, msg.Type
}
