package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStaleHandle is returned when a delivery handle no longer identifies an
	// in-flight delivery (already deleted, or its visibility timeout expired).
	ErrStaleHandle = errors.New("stale receipt handle")

	// ErrInvalidMax is returned by Receive when asked for fewer than one message.
	ErrInvalidMax = errors.New("max messages must be at least 1")
)

// a single delivery of a queue message
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	Attributes    map[string]string
	ReceiveCount  int
}

// Delivery is what a Handler sees: the decoded body plus the delivery metadata.
type Delivery struct {
	MessageID    string
	Payload      any
	Body         json.RawMessage
	Attributes   map[string]string
	ReceiveCount int
}

// Decode unmarshals the raw body into v.
func (d Delivery) Decode(v any) error {
	return json.Unmarshal(d.Body, v)
}

// Handler performs domain processing on one message. It must tolerate being
// called more than once for the same logical message.
type Handler func(ctx context.Context, d Delivery) error

// Backend is the send/receive/delete surface of an at-least-once queue.
type Backend interface {
	Send(ctx context.Context, queue, body string, attrs map[string]string) (string, error)
	Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, queue, handle string) error
}

type Stats struct {
	Available int64
	InFlight  int64
	Delayed   int64
}

// StatsBackend is implemented by backends that can report queue depth.
type StatsBackend interface {
	Stats(ctx context.Context, queue string) (Stats, error)
}

// VisibilityBackend is implemented by backends that can change the visibility
// timeout of an in-flight delivery.
type VisibilityBackend interface {
	ChangeVisibility(ctx context.Context, queue, handle string, timeout time.Duration) error
}

type Outcome string

const (
	OutcomeDeleted       Outcome = "deleted"
	OutcomeDecodeFailed  Outcome = "decode_failed"
	OutcomeHandlerFailed Outcome = "handler_failed"
	OutcomeDeleteFailed  Outcome = "delete_failed"
)

type MessageResult struct {
	MessageID string
	Outcome   Outcome
	Err       error
}

// BatchReport describes one ProcessMessages call. Received counts every message
// fetched, whether or not it was fully processed.
type BatchReport struct {
	Received int
	Results  []MessageResult
	Duration time.Duration
}

func (r BatchReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func (r BatchReport) Summary() string {
	if r.Received == 0 {
		return "No messages received"
	}
	return fmt.Sprintf("Processed %d messages", r.Received)
}

// Observer receives processor events, e.g. for metrics.
type Observer interface {
	ObserveBatch(queue string, report BatchReport)
	ObserveReceiveError(queue string, err error)
}
