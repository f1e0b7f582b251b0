package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

const DefaultVisibilityTimeout = 30 * time.Second

type memoryMessage struct {
	id           string
	body         string
	attrs        map[string]string
	receiveCount int
	handle       string
	visibleAt    time.Time
}

type memoryQueue struct {
	messages []*memoryMessage
}

// MemoryBackend is an in-process queue with visibility timeouts and an optional
// dead-letter policy. Handles are invalidated when a message is redelivered.
type MemoryBackend struct {
	mu                sync.Mutex
	queues            map[string]*memoryQueue
	visibilityTimeout time.Duration
	maxReceiveCount   int
	deadLetterQueue   string
	pollInterval      time.Duration
	now               func() time.Time
}

type MemoryOption func(*MemoryBackend)

func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(b *MemoryBackend) { b.visibilityTimeout = d }
}

// WithDeadLetter moves a message to dlq once it has been received maxReceiveCount
// times without being deleted.
func WithDeadLetter(dlq string, maxReceiveCount int) MemoryOption {
	return func(b *MemoryBackend) {
		b.deadLetterQueue = dlq
		b.maxReceiveCount = maxReceiveCount
	}
}

func withClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) { b.now = now }
}

func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		queues:            make(map[string]*memoryQueue),
		visibilityTimeout: DefaultVisibilityTimeout,
		pollInterval:      50 * time.Millisecond,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBackend) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBackend) Send(ctx context.Context, queue, body string, attrs map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	msg := &memoryMessage{
		id:    uuid.New().String(),
		body:  body,
		attrs: copyAttrs(attrs),
	}
	q := b.queue(queue)
	q.messages = append(q.messages, msg)
	return msg.id, nil
}

func (b *MemoryBackend) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msgs := b.receive(queue, max)
		if len(msgs) > 0 || wait <= 0 || !time.Now().Before(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

func (b *MemoryBackend) receive(queue string, max int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	q := b.queue(queue)
	var out []Message
	kept := q.messages[:0]

	for _, m := range q.messages {
		if len(out) >= max || m.visibleAt.After(now) {
			kept = append(kept, m)
			continue
		}

		if b.maxReceiveCount > 0 && m.receiveCount >= b.maxReceiveCount && b.deadLetterQueue != "" && queue != b.deadLetterQueue {
			dlq := b.queue(b.deadLetterQueue)
			m.handle = ""
			m.receiveCount = 0
			m.visibleAt = time.Time{}
			dlq.messages = append(dlq.messages, m)
			continue
		}

		m.receiveCount++
		m.handle = xid.New().String()
		m.visibleAt = now.Add(b.visibilityTimeout)
		kept = append(kept, m)

		out = append(out, Message{
			ID:            m.id,
			Body:          m.body,
			ReceiptHandle: m.handle,
			Attributes:    copyAttrs(m.attrs),
			ReceiveCount:  m.receiveCount,
		})
	}
	q.messages = kept
	return out
}

func (b *MemoryBackend) Delete(ctx context.Context, queue, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	q := b.queue(queue)
	for i, m := range q.messages {
		if handle == "" || m.handle != handle {
			continue
		}
		if !m.visibleAt.After(now) {
			// visibility expired, the handle can no longer acknowledge this message
			return ErrStaleHandle
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return nil
	}
	return ErrStaleHandle
}

// ChangeVisibility resets the visibility timeout of an in-flight delivery.
func (b *MemoryBackend) ChangeVisibility(ctx context.Context, queue, handle string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, m := range b.queue(queue).messages {
		if handle != "" && m.handle == handle && m.visibleAt.After(now) {
			m.visibleAt = now.Add(timeout)
			return nil
		}
	}
	return ErrStaleHandle
}

func (b *MemoryBackend) Stats(ctx context.Context, queue string) (Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var s Stats
	for _, m := range b.queue(queue).messages {
		if m.visibleAt.After(now) {
			s.InFlight++
		} else {
			s.Available++
		}
	}
	return s, nil
}

// Len reports every message still held for queue, visible or not.
func (b *MemoryBackend) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).messages)
}

func copyAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
