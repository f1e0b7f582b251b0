package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/richardbowden/sqs-processor/internal/queue"
	"github.com/rs/zerolog/log"
)

const (
	DefaultErrorBackoff  = 5 * time.Second
	DefaultStatsInterval = 10 * time.Second
	DefaultIdleBackoff   = time.Second
)

type Config struct {
	Workers       int
	MaxMessages   int
	ErrorBackoff  time.Duration
	StatsInterval time.Duration

	// IdleBackoff is slept after an empty batch when the processor does not
	// long poll, so idle workers do not spin on the backend.
	IdleBackoff time.Duration
}

// Totals are running counters across all workers of a pool.
type Totals struct {
	Batches       int64
	Received      int64
	Deleted       int64
	Failed        int64
	ReceiveErrors int64
}

// Pool runs Workers independent receive/process loops against one queue.
type Pool struct {
	processor *queue.Processor
	handler   queue.Handler
	cfg       Config

	wg     sync.WaitGroup
	cancel context.CancelFunc

	batches       atomic.Int64
	received      atomic.Int64
	deleted       atomic.Int64
	failed        atomic.Int64
	receiveErrors atomic.Int64
}

func New(processor *queue.Processor, handler queue.Handler, cfg Config) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxMessages < 1 {
		cfg.MaxMessages = 10
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	return &Pool{processor: processor, handler: handler, cfg: cfg}
}

func (wp *Pool) Start(ctx context.Context) {
	ctx, wp.cancel = context.WithCancel(ctx)

	log.Info().Str("queue", wp.processor.QueueURL()).Int("workers", wp.cfg.Workers).Msg("Starting worker pool")

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}

	wp.wg.Add(1)
	go wp.monitor(ctx)
}

// Stop cancels all workers and waits for in-flight batches to finish.
func (wp *Pool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()
	log.Info().Str("queue", wp.processor.QueueURL()).Msg("Worker pool stopped")
}

func (wp *Pool) Totals() Totals {
	return Totals{
		Batches:       wp.batches.Load(),
		Received:      wp.received.Load(),
		Deleted:       wp.deleted.Load(),
		Failed:        wp.failed.Load(),
		ReceiveErrors: wp.receiveErrors.Load(),
	}
}

func (wp *Pool) worker(ctx context.Context, workerID int) {
	defer wp.wg.Done()

	wl := log.With().Str("queue", wp.processor.QueueURL()).Int("worker_id", workerID).Logger()
	wl.Debug().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			wl.Debug().Msg("Worker stopping")
			return
		default:
		}

		report, err := wp.processor.ProcessMessages(ctx, wp.handler, wp.cfg.MaxMessages)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wp.receiveErrors.Add(1)
			wl.Error().Err(err).Dur("backoff", wp.cfg.ErrorBackoff).Msg("Failed to receive messages")
			sleep(ctx, wp.cfg.ErrorBackoff)
			continue
		}

		wp.record(report)
		if report.Received == 0 && wp.processor.WaitTime() <= 0 {
			sleep(ctx, wp.cfg.IdleBackoff)
		}
	}
}

func (wp *Pool) record(report queue.BatchReport) {
	wp.batches.Add(1)
	wp.received.Add(int64(report.Received))
	deleted := report.Count(queue.OutcomeDeleted)
	wp.deleted.Add(int64(deleted))
	wp.failed.Add(int64(len(report.Results) - deleted))
}

func (wp *Pool) monitor(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wp.logStats(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (wp *Pool) logStats(ctx context.Context) {
	t := wp.Totals()
	log.Info().
		Str("queue", wp.processor.QueueURL()).
		Int("workers", wp.cfg.Workers).
		Int64("batches", t.Batches).
		Int64("received", t.Received).
		Int64("deleted", t.Deleted).
		Int64("failed", t.Failed).
		Int64("receive_errors", t.ReceiveErrors).
		Msg("Worker pool metrics")

	sb, ok := wp.processor.Backend().(queue.StatsBackend)
	if !ok {
		return
	}
	stats, err := sb.Stats(ctx, wp.processor.QueueURL())
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to fetch queue stats")
		}
		return
	}
	log.Info().
		Str("queue", wp.processor.QueueURL()).
		Int64("available", stats.Available).
		Int64("in_flight", stats.InFlight).
		Int64("delayed", stats.Delayed).
		Msg("Queue stats")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
