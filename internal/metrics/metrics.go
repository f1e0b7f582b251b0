package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardbowden/sqs-processor/internal/queue"
	"github.com/rs/zerolog/log"
)

const DefaultNamespace = "sqs_processor"

// Collector records processor events as Prometheus metrics. It implements
// queue.Observer.
type Collector struct {
	registry *prometheus.Registry

	received      *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	receiveErrors *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from the queue.",
		}, []string{"queue"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Processed messages by outcome.",
		}, []string{"queue", "outcome"}),
		receiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Failed receive calls.",
		}, []string{"queue"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent receiving and processing one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"queue"}),
	}

	c.registry.MustRegister(
		c.received,
		c.outcomes,
		c.receiveErrors,
		c.batchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ObserveBatch(queueURL string, report queue.BatchReport) {
	c.received.WithLabelValues(queueURL).Add(float64(report.Received))
	for _, res := range report.Results {
		c.outcomes.WithLabelValues(queueURL, string(res.Outcome)).Inc()
	}
	if report.Received > 0 {
		c.batchDuration.WithLabelValues(queueURL).Observe(report.Duration.Seconds())
	}
}

func (c *Collector) ObserveReceiveError(queueURL string, err error) {
	c.receiveErrors.WithLabelValues(queueURL).Inc()
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shut down metrics server")
		}
	}()

	log.Info().Str("addr", addr).Msg("Metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
