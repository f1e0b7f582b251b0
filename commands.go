package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/richardbowden/sqs-processor/internal/dedup"
	"github.com/richardbowden/sqs-processor/internal/jobs"
	"github.com/richardbowden/sqs-processor/internal/metrics"
	"github.com/richardbowden/sqs-processor/internal/queue"
	"github.com/richardbowden/sqs-processor/internal/worker"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

var errNoDLQ = errors.New("no dead-letter queue configured")

func startProcessor(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	rt := newRuntime(c)
	defer rt.Close()

	opts := rt.processorOptions()

	var collector *metrics.Collector
	if addr := c.String("metrics-addr"); addr != "" {
		collector = metrics.NewCollector(c.String("metrics-namespace"))
		opts = append(opts, queue.WithObserver(collector))
		go func() {
			if err := collector.StartServer(ctx, addr); err != nil {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}

	p, err := rt.mainProcessor(ctx, opts...)
	if err != nil {
		return err
	}
	handler, err := rt.handler(ctx)
	if err != nil {
		return err
	}

	if s, _ := rt.dedupStore(ctx); s != nil {
		go dedup.RunCleanup(ctx, s, dedupCleanupInterval, c.Duration("dedup-retention"))
	}

	pool := worker.New(p, handler, worker.Config{
		Workers:     c.Int("workers"),
		MaxMessages: c.Int("max-messages"),
	})

	// shutdown setup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Str("queue", p.QueueURL()).Str("backend", c.String("backend")).Msg("Starting message processor")
	pool.Start(ctx)

	// wait for shutdown signal / ctrl-c or sigterm which is what docker sends
	<-sigChan
	log.Info().Msg("Shutting down...")
	cancel()
	pool.Stop()

	return nil
}

func sendMessage(c *cli.Context) error {
	rt := newRuntime(c)
	defer rt.Close()

	payload := c.String("payload")
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	attrs, err := parseAttributes(c.StringSlice("attr"))
	if err != nil {
		return err
	}

	p, err := rt.mainProcessor(c.Context)
	if err != nil {
		return err
	}

	id, err := p.SendRaw(c.Context, payload, attrs)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func sendWelcome(c *cli.Context) error {
	rt := newRuntime(c)
	defer rt.Close()

	p, err := rt.mainProcessor(c.Context)
	if err != nil {
		return err
	}

	msg := jobs.NewWelcomeEmail(c.String("recipient"), c.String("username"))
	id, err := p.Send(c.Context, msg, map[string]string{"type": msg.Type})
	if err != nil {
		return err
	}

	log.Info().Str("job_id", msg.ID).Str("message_id", id).Msg("Welcome email queued")
	fmt.Println(id)
	return nil
}

func processOnce(c *cli.Context) error {
	rt := newRuntime(c)
	defer rt.Close()

	p, err := rt.mainProcessor(c.Context, rt.processorOptions()...)
	if err != nil {
		return err
	}
	handler, err := rt.handler(c.Context)
	if err != nil {
		return err
	}

	report, err := p.ProcessMessages(c.Context, handler, c.Int("max"))
	if err != nil {
		return err
	}

	for _, res := range report.Results {
		e := log.Info().Str("message_id", res.MessageID).Str("outcome", string(res.Outcome))
		if res.Err != nil {
			e = e.Err(res.Err)
		}
		e.Msg("Message result")
	}
	fmt.Println(report.Summary())
	return nil
}

func redrive(c *cli.Context) error {
	rt := newRuntime(c)
	defer rt.Close()

	addrs, err := rt.addresses(c.Context)
	if err != nil {
		return err
	}
	if addrs.DLQURL == "" {
		return errNoDLQ
	}

	from, err := rt.processor(c.Context, addrs.DLQURL)
	if err != nil {
		return err
	}
	to, err := rt.processor(c.Context, addrs.QueueURL)
	if err != nil {
		return err
	}

	report, err := queue.Redrive(c.Context, from, to, c.Int("max"))
	log.Info().
		Int("received", report.Received).
		Int("moved", report.Moved).
		Int("failed", report.Failed).
		Msg("Redrive finished")
	return err
}

func showStats(c *cli.Context) error {
	rt := newRuntime(c)
	defer rt.Close()

	addrs, err := rt.addresses(c.Context)
	if err != nil {
		return err
	}
	b, err := rt.queueBackend(c.Context)
	if err != nil {
		return err
	}
	sb, ok := b.(queue.StatsBackend)
	if !ok {
		return fmt.Errorf("backend %s does not report queue stats", c.String("backend"))
	}

	urls := []string{addrs.QueueURL}
	if addrs.DLQURL != "" {
		urls = append(urls, addrs.DLQURL)
	}
	for _, url := range urls {
		stats, err := sb.Stats(c.Context, url)
		if err != nil {
			return fmt.Errorf("failed to fetch stats for %s: %w", url, err)
		}
		fmt.Printf("%s\tavailable=%d\tin_flight=%d\tdelayed=%d\n", url, stats.Available, stats.InFlight, stats.Delayed)
	}
	return nil
}

func listEmailLogs(c *cli.Context) error {
	rt := newRuntime(c)
	defer rt.Close()

	db, err := rt.database(c.Context)
	if err != nil {
		return err
	}

	logs, err := db.ListEmailLogs(c.Context, c.String("recipient"), c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSONLines(logs)
}

func listNotificationLogs(c *cli.Context) error {
	rt := newRuntime(c)
	defer rt.Close()

	db, err := rt.database(c.Context)
	if err != nil {
		return err
	}

	logs, err := db.ListNotificationLogs(c.Context, c.String("user-id"), c.Int("limit"))
	if err != nil {
		return err
	}
	return printJSONLines(logs)
}

func printJSONLines[T any](items []T) error {
	enc := json.NewEncoder(os.Stdout)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func parseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, expected key=value", pair)
		}
		attrs[k] = v
	}
	return attrs, nil
}
