package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/redis/go-redis/v9"
	"github.com/richardbowden/sqs-processor/internal/config"
	"github.com/richardbowden/sqs-processor/internal/dedup"
	"github.com/richardbowden/sqs-processor/internal/jobs"
	"github.com/richardbowden/sqs-processor/internal/mailer"
	"github.com/richardbowden/sqs-processor/internal/queue"
	"github.com/richardbowden/sqs-processor/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const dedupCleanupInterval = time.Hour

// runtime builds the collaborators a command needs from its flags and closes
// them again when the command returns.
type runtime struct {
	c *cli.Context

	awsCfg  *aws.Config
	addrs   *config.Addresses
	backend queue.Backend
	db      *store.Database
	dedup   dedup.Store

	closers []func() error
}

func newRuntime(c *cli.Context) *runtime {
	return &runtime{c: c}
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.Error().Err(err).Msg("Failed to close resource")
		}
	}
}

func (r *runtime) aws(ctx context.Context) (aws.Config, error) {
	if r.awsCfg != nil {
		return *r.awsCfg, nil
	}
	cfg, err := config.LoadAWS(ctx, r.c.String("region"), r.c.String("endpoint-url"))
	if err != nil {
		return aws.Config{}, err
	}
	r.awsCfg = &cfg
	return cfg, nil
}

func (r *runtime) addresses(ctx context.Context) (config.Addresses, error) {
	if r.addrs != nil {
		return *r.addrs, nil
	}

	var src config.Source = config.Static{
		QueueURL: r.c.String("queue-url"),
		DLQURL:   r.c.String("dlq-url"),
	}
	if r.c.Bool("use-ssm") {
		cfg, err := r.aws(ctx)
		if err != nil {
			return config.Addresses{}, err
		}
		src = config.NewSSMFromConfig(cfg, r.c.String("ssm-queue-param"), r.c.String("ssm-dlq-param"))
	}

	addrs, err := src.Resolve(ctx)
	if err != nil {
		return config.Addresses{}, fmt.Errorf("failed to resolve queue addresses: %w", err)
	}
	log.Debug().Str("queue_url", addrs.QueueURL).Str("dlq_url", addrs.DLQURL).Msg("Resolved queue addresses")
	r.addrs = &addrs
	return addrs, nil
}

func (r *runtime) queueBackend(ctx context.Context) (queue.Backend, error) {
	if r.backend != nil {
		return r.backend, nil
	}

	switch kind := r.c.String("backend"); kind {
	case "sqs":
		cfg, err := r.aws(ctx)
		if err != nil {
			return nil, err
		}
		r.backend = queue.NewSQSBackendFromConfig(cfg)
	case "redis":
		b, err := queue.NewRedisBackendFromURL(ctx, r.c.String("redis-url"), r.c.Duration("visibility-timeout"))
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, b.Close)
		r.backend = b
	case "memory":
		opts := []queue.MemoryOption{queue.WithVisibilityTimeout(r.c.Duration("visibility-timeout"))}
		if addrs, err := r.addresses(ctx); err == nil && addrs.DLQURL != "" {
			opts = append(opts, queue.WithDeadLetter(addrs.DLQURL, r.c.Int("max-receive-count")))
		}
		r.backend = queue.NewMemoryBackend(opts...)
	default:
		return nil, fmt.Errorf("invalid backend: %s", kind)
	}
	return r.backend, nil
}

func (r *runtime) processor(ctx context.Context, queueURL string, opts ...queue.Option) (*queue.Processor, error) {
	b, err := r.queueBackend(ctx)
	if err != nil {
		return nil, err
	}
	opts = append([]queue.Option{queue.WithQuiet(r.c.Bool("quiet"))}, opts...)
	return queue.NewProcessor(b, queueURL, opts...), nil
}

// mainProcessor is the processor for the main queue.
func (r *runtime) mainProcessor(ctx context.Context, opts ...queue.Option) (*queue.Processor, error) {
	addrs, err := r.addresses(ctx)
	if err != nil {
		return nil, err
	}
	return r.processor(ctx, addrs.QueueURL, opts...)
}

func (r *runtime) database(ctx context.Context) (*store.Database, error) {
	if r.db != nil {
		return r.db, nil
	}
	db, err := store.NewDatabase(ctx, r.c.String("db-url"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	r.closers = append(r.closers, db.Close)
	r.db = db
	return db, nil
}

func (r *runtime) dedupStore(ctx context.Context) (dedup.Store, error) {
	if r.dedup != nil {
		return r.dedup, nil
	}

	var s dedup.Store

	switch dedupType := r.c.String("dedup-type"); dedupType {
	case "none":
		return nil, nil
	case "postgres":
		db, err := r.database(ctx)
		if err != nil {
			return nil, err
		}
		// shares the pool with the delivery logs, closed with the database
		s = dedup.NewPostgresStore(db.DB())
	case "memory":
		s = dedup.NewMemoryStore()
		r.closers = append(r.closers, s.Close)
	case "redis":
		opts, err := redis.ParseURL(r.c.String("redis-url"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		s = dedup.NewRedisStore(redis.NewClient(opts), r.c.Duration("dedup-retention"))
		r.closers = append(r.closers, s.Close)
	default:
		return nil, fmt.Errorf("invalid dedup-type: %s", dedupType)
	}

	r.dedup = s
	return s, nil
}

// handler builds the job router, wrapped in the deduplication guard when a
// dedup store is configured.
func (r *runtime) handler(ctx context.Context) (queue.Handler, error) {
	db, err := r.database(ctx)
	if err != nil {
		return nil, err
	}

	h := &jobs.Handlers{DB: db, Quiet: r.c.Bool("quiet")}
	if from := r.c.String("email-from"); from != "" {
		cfg, err := r.aws(ctx)
		if err != nil {
			return nil, err
		}
		h.Mailer = mailer.NewSESFromConfig(cfg, from)
	} else {
		log.Warn().Msg("No email-from configured, email jobs will not be handled")
	}

	router := jobs.NewRouter()
	h.Register(router)

	s, err := r.dedupStore(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return router.Handle, nil
	}
	return dedup.Guard(s, jobs.JobID, router.Handle), nil
}

func (r *runtime) processorOptions() []queue.Option {
	return []queue.Option{
		queue.WithWaitTime(r.c.Duration("wait-time")),
		queue.WithRetryDelay(r.c.Duration("retry-delay")),
	}
}
