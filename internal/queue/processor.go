package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultWaitTime is the long-poll duration used by ProcessMessages.
const DefaultWaitTime = 20 * time.Second

// Processor pulls batches from one queue, hands each message to a Handler and
// deletes it only after the handler succeeded.
type Processor struct {
	backend  Backend
	queueURL string
	waitTime time.Duration
	observer Observer
	logger   zerolog.Logger
	quiet    bool

	// retryDelay, when set, shortens the visibility timeout of a delivery whose
	// handler failed so it is retried sooner.
	retryDelay time.Duration
}

type Option func(*Processor)

func WithWaitTime(d time.Duration) Option {
	return func(p *Processor) { p.waitTime = d }
}

func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithRetryDelay makes a failed delivery visible again after d instead of the
// queue's visibility timeout. It has no effect on backends that cannot change
// visibility.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Processor) { p.retryDelay = d }
}

// WithQuiet moves per-message success logs to debug level.
func WithQuiet(quiet bool) Option {
	return func(p *Processor) { p.quiet = quiet }
}

func NewProcessor(backend Backend, queueURL string, opts ...Option) *Processor {
	p := &Processor{
		backend:  backend,
		queueURL: queueURL,
		waitTime: DefaultWaitTime,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("queue", queueURL).Logger()
	return p
}

func (p *Processor) QueueURL() string {
	return p.queueURL
}

func (p *Processor) Backend() Backend {
	return p.backend
}

// WaitTime is the long-poll duration ProcessMessages receives with.
func (p *Processor) WaitTime() time.Duration {
	return p.waitTime
}

// Send serializes payload as JSON and enqueues it.
func (p *Processor) Send(ctx context.Context, payload any, attrs map[string]string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize payload: %w", err)
	}
	return p.SendRaw(ctx, string(body), attrs)
}

// SendRaw enqueues an already serialized body.
func (p *Processor) SendRaw(ctx context.Context, body string, attrs map[string]string) (id string, err error) {
	defer recoverBackend(&err, "send")

	id, err = p.backend.Send(ctx, p.queueURL, body, attrs)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to send message")
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("failed to send message: backend returned empty message id")
	}

	p.logger.Debug().Str("message_id", id).Msg("Message sent")
	return id, nil
}

// Receive fetches at most max messages, blocking up to wait for the first one.
// An empty batch is not an error.
func (p *Processor) Receive(ctx context.Context, max int, wait time.Duration) (msgs []Message, err error) {
	if max < 1 {
		return nil, ErrInvalidMax
	}
	defer recoverBackend(&err, "receive")

	msgs, err = p.backend.Receive(ctx, p.queueURL, max, wait)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to receive messages")
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	if len(msgs) > max {
		// the surplus stays in flight and is redelivered after its visibility timeout
		p.logger.Warn().Int("received", len(msgs)).Int("max", max).Msg("Backend returned more messages than requested")
		msgs = msgs[:max]
	}
	return msgs, nil
}

// DeleteMessage acknowledges exactly the delivery identified by handle.
func (p *Processor) DeleteMessage(ctx context.Context, handle string) (err error) {
	defer recoverBackend(&err, "delete")

	if err := p.backend.Delete(ctx, p.queueURL, handle); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// ProcessMessages runs one receive, handle, delete pass. A nil error means the
// batch was fetched and iterated; per-message failures are reported in the
// returned BatchReport and those messages are left for redelivery.
func (p *Processor) ProcessMessages(ctx context.Context, handler Handler, max int) (BatchReport, error) {
	start := time.Now()

	msgs, err := p.Receive(ctx, max, p.waitTime)
	if err != nil {
		if p.observer != nil {
			p.observer.ObserveReceiveError(p.queueURL, err)
		}
		return BatchReport{}, err
	}

	report := BatchReport{
		Received: len(msgs),
		Results:  make([]MessageResult, 0, len(msgs)),
	}

	if len(msgs) == 0 {
		p.logger.Debug().Msg("No messages received")
	} else {
		p.logger.Debug().Int("count", len(msgs)).Msg("Received messages")
	}

	for _, msg := range msgs {
		report.Results = append(report.Results, p.processMessage(ctx, handler, msg))
	}

	report.Duration = time.Since(start)
	if p.observer != nil {
		p.observer.ObserveBatch(p.queueURL, report)
	}
	return report, nil
}

func (p *Processor) processMessage(ctx context.Context, handler Handler, msg Message) MessageResult {
	ml := p.logger.With().Str("message_id", msg.ID).Int("receive_count", msg.ReceiveCount).Logger()
	result := MessageResult{MessageID: msg.ID}

	var payload any
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		ml.Error().Err(err).Str("outcome", string(OutcomeDecodeFailed)).Msg("Failed to parse message, leaving it for redelivery")
		result.Outcome = OutcomeDecodeFailed
		result.Err = err
		return result
	}

	d := Delivery{
		MessageID:    msg.ID,
		Payload:      payload,
		Body:         json.RawMessage(msg.Body),
		Attributes:   msg.Attributes,
		ReceiveCount: msg.ReceiveCount,
	}

	if err := runHandler(ctx, handler, d); err != nil {
		ml.Warn().Err(err).Str("outcome", string(OutcomeHandlerFailed)).Msg("Message processing failed, will be redelivered")
		result.Outcome = OutcomeHandlerFailed
		result.Err = err
		p.scheduleRetry(ctx, ml, msg.ReceiptHandle)
		return result
	}

	if err := p.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
		ml.Error().Err(err).Str("outcome", string(OutcomeDeleteFailed)).Msg("Failed to delete message after processing")
		result.Outcome = OutcomeDeleteFailed
		result.Err = err
		return result
	}

	if p.quiet {
		ml.Debug().Str("outcome", string(OutcomeDeleted)).Msg("Message processed successfully")
	} else {
		ml.Info().Str("outcome", string(OutcomeDeleted)).Msg("Message processed successfully")
	}
	result.Outcome = OutcomeDeleted
	return result
}

func (p *Processor) scheduleRetry(ctx context.Context, ml zerolog.Logger, handle string) {
	if p.retryDelay <= 0 {
		return
	}
	vb, ok := p.backend.(VisibilityBackend)
	if !ok {
		return
	}
	if err := vb.ChangeVisibility(ctx, p.queueURL, handle, p.retryDelay); err != nil {
		ml.Error().Err(err).Msg("Failed to change visibility timeout")
		return
	}
	ml.Debug().Dur("retry_delay", p.retryDelay).Msg("Shortened visibility timeout for retry")
}

func runHandler(ctx context.Context, handler Handler, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, d)
}

func recoverBackend(err *error, op string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("queue backend %s panic: %v", op, r)
	}
}
