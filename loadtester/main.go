package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/richardbowden/sqs-processor/internal/config"
	"github.com/richardbowden/sqs-processor/internal/queue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

type Config struct {
	QueueURL    string
	Messages    int
	Concurrency int
	EmailRatio  float64
	Pattern     Pattern
	SendTimeout time.Duration
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("Failed to load .env")
	}

	app := &cli.App{
		Name:  "loadtester",
		Usage: "Generate email and notification jobs against a queue",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "queue-url", Required: true, EnvVars: []string{"SQS_QUEUE_URL"}},
			&cli.StringFlag{Name: "backend", Value: "sqs", Usage: "Queue backend (sqs, redis)", EnvVars: []string{"QUEUE_BACKEND"}},
			&cli.StringFlag{Name: "region", Value: "us-east-1", EnvVars: []string{"AWS_REGION"}},
			&cli.StringFlag{Name: "endpoint-url", EnvVars: []string{"AWS_ENDPOINT_URL"}},
			&cli.StringFlag{Name: "redis-url", Value: "redis://localhost:6379/0", EnvVars: []string{"REDIS_URL"}},
			&cli.IntFlag{Name: "messages", Value: 1000, EnvVars: []string{"LOAD_TEST_MESSAGES"}},
			&cli.IntFlag{Name: "concurrency", Value: 10, EnvVars: []string{"LOAD_TEST_CONCURRENCY"}},
			&cli.Float64Flag{Name: "email-ratio", Value: 0.5, Usage: "Share of email jobs for the steady pattern", EnvVars: []string{"LOAD_TEST_EMAIL_RATIO"}},
			&cli.StringFlag{Name: "pattern", Value: string(PatternWave), Usage: "steady, burst, wave or timeofday", EnvVars: []string{"LOAD_TEST_PATTERN"}},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, EnvVars: []string{"LOAD_TEST_TIMEOUT"}},
			&cli.BoolFlag{Name: "no-ui", Usage: "Log a summary instead of showing the dashboard"},
		},
		Action: runLoadTest,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Load test failed")
	}
}

func runLoadTest(c *cli.Context) error {
	cfg := Config{
		QueueURL:    c.String("queue-url"),
		Messages:    c.Int("messages"),
		Concurrency: c.Int("concurrency"),
		EmailRatio:  c.Float64("email-ratio"),
		Pattern:     Pattern(c.String("pattern")),
		SendTimeout: c.Duration("timeout"),
	}
	if !cfg.Pattern.Valid() {
		return fmt.Errorf("invalid pattern: %s", cfg.Pattern)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	var backend queue.Backend
	switch c.String("backend") {
	case "sqs":
		awsCfg, err := config.LoadAWS(ctx, c.String("region"), c.String("endpoint-url"))
		if err != nil {
			return err
		}
		backend = queue.NewSQSBackendFromConfig(awsCfg)
	case "redis":
		rb, err := queue.NewRedisBackendFromURL(ctx, c.String("redis-url"), 0)
		if err != nil {
			return err
		}
		defer rb.Close()
		backend = rb
	default:
		return fmt.Errorf("invalid backend: %s", c.String("backend"))
	}
	p := queue.NewProcessor(backend, cfg.QueueURL)

	results := make(chan Result, cfg.Concurrency)
	go func() {
		Generate(ctx, p, cfg, results)
		close(results)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if c.Bool("no-ui") {
		go func() {
			<-sigChan
			cancel()
		}()
		summarize(results)
		return nil
	}

	prog := tea.NewProgram(newModel(cfg), tea.WithAltScreen())
	go func() {
		for r := range results {
			prog.Send(resultMsg(r))
		}
		prog.Send(completeMsg{})
	}()
	go func() {
		<-sigChan
		cancel()
		prog.Quit()
	}()

	_, err := prog.Run()
	return err
}

// Generate sends cfg.Messages jobs with cfg.Concurrency senders, pacing them by
// the workload pattern, and reports every send on results.
func Generate(ctx context.Context, p *queue.Processor, cfg Config, results chan<- Result) {
	indexes := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < max(cfg.Concurrency, 1); w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			for index := range indexes {
				progress := float64(index) / float64(cfg.Messages)
				select {
				case <-time.After(cfg.Pattern.Delay(progress, rng)):
				case <-ctx.Done():
					return
				}
				results <- send(ctx, p, cfg, rng, index)
			}
		}(w)
	}

	for i := 1; i <= cfg.Messages; i++ {
		select {
		case indexes <- i:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(indexes)
	wg.Wait()
}

func send(ctx context.Context, p *queue.Processor, cfg Config, rng *rand.Rand, index int) Result {
	job := NewJob(rng, cfg.Pattern, index, cfg.Messages, cfg.EmailRatio)

	sendCtx := ctx
	if cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
	}

	start := time.Now()
	_, err := p.Send(sendCtx, job, map[string]string{"type": job.Type})
	return Result{
		Index:    index,
		JobType:  job.Type,
		Duration: time.Since(start),
		Err:      err,
	}
}

func summarize(results <-chan Result) {
	var sent, failed int
	var total time.Duration
	for r := range results {
		sent++
		total += r.Duration
		if r.Err != nil {
			failed++
			log.Warn().Err(r.Err).Int("index", r.Index).Str("type", r.JobType).Msg("Send failed")
		}
	}

	var avg time.Duration
	if sent > 0 {
		avg = total / time.Duration(sent)
	}
	log.Info().Int("sent", sent).Int("failed", failed).Dur("avg_latency", avg).Msg("Load test complete")
}
