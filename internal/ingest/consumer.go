// Package ingest consumes crawler output from an SQS queue and feeds it to
// the crawl run recorder and the event submission pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/metrics"
	"github.com/dStensland/LostCity-sub000/internal/pkg/logger"
	"github.com/dStensland/LostCity-sub000/internal/service/crawlrun"
	"github.com/dStensland/LostCity-sub000/internal/service/events"
)

// Message types carried in the envelope.
const (
	TypeCrawlRun        = "crawl_run"
	TypeExtractedEvents = "extracted_events"
)

// Envelope is the JSON body of one queue message.
type Envelope struct {
	Type     string                `json:"type"`
	CrawlRun *crawlrun.RecordInput `json:"crawl_run,omitempty"`
	Events   *EventBatch           `json:"extracted_events,omitempty"`
}

// EventBatch is one extraction result for a crawl run.
type EventBatch struct {
	SourceID   int64          `json:"source_id"`
	CrawlRunID string         `json:"crawl_run_id"`
	Events     []domain.Event `json:"events"`
}

// Disposition says what to do with a handled message.
type Disposition int

const (
	// Ack deletes the message. Used for success and for messages that can
	// never succeed.
	Ack Disposition = iota
	// Retry leaves the message for redelivery after its visibility timeout.
	Retry
)

// ErrMalformed marks a message that cannot be decoded or routed.
var ErrMalformed = errors.New("malformed ingest message")

// RunRecorder records crawl runs.
type RunRecorder interface {
	RecordCrawlRun(ctx context.Context, in crawlrun.RecordInput) (*domain.CrawlRun, error)
}

// EventSubmitter submits extracted event batches.
type EventSubmitter interface {
	SubmitExtractedEvents(ctx context.Context, sourceID int64, crawlRunID string, batch []domain.Event) (*events.SubmitResult, error)
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config tunes queue polling.
type Config struct {
	MaxMessages  int32
	WaitSeconds  int32
	ErrorBackoff time.Duration
}

// DefaultConfig returns long-polling defaults.
func DefaultConfig() Config {
	return Config{MaxMessages: 10, WaitSeconds: 20, ErrorBackoff: 5 * time.Second}
}

// Consumer long-polls the ingest queue.
type Consumer struct {
	client   sqsAPI
	queueURL string
	runs     RunRecorder
	events   EventSubmitter
	cfg      Config

	processed int64
	rejected  int64
	retried   int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer for queueURL.
func NewConsumer(client sqsAPI, queueURL string, runs RunRecorder, ev EventSubmitter, cfg Config) *Consumer {
	d := DefaultConfig()
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = d.MaxMessages
	}
	if cfg.WaitSeconds < 0 || cfg.WaitSeconds > 20 {
		cfg.WaitSeconds = d.WaitSeconds
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = d.ErrorBackoff
	}
	return &Consumer{client: client, queueURL: queueURL, runs: runs, events: ev, cfg: cfg}
}

// Start polls in the background until Stop or ctx cancellation.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	logger.Info("ingest consumer started", "queue", c.queueURL)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ctx.Err() == nil {
			if _, err := c.PollOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("ingest receive failed", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(c.cfg.ErrorBackoff):
				}
			}
		}
	}()
}

// Stop ends polling and waits for the in-flight batch.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	s := c.Stats()
	logger.Info("ingest consumer stopped", "processed", s["processed"], "rejected", s["rejected"], "retried", s["retried"])
}

// Stats returns cumulative counters.
func (c *Consumer) Stats() map[string]int64 {
	return map[string]int64{
		"processed": atomic.LoadInt64(&c.processed),
		"rejected":  atomic.LoadInt64(&c.rejected),
		"retried":   atomic.LoadInt64(&c.retried),
	}
}

// PollOnce receives one batch and handles every message in it. It returns
// the number of messages received.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.cfg.MaxMessages,
		WaitTimeSeconds:     c.cfg.WaitSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}

	for _, msg := range out.Messages {
		if c.Handle(ctx, aws.ToString(msg.Body)) == Retry {
			continue
		}
		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			logger.Warn("ingest delete failed", "message_id", aws.ToString(msg.MessageId), "error", err)
		}
	}
	return len(out.Messages), nil
}

// Handle processes one message body and decides its fate.
func (c *Consumer) Handle(ctx context.Context, body string) Disposition {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return c.reject("unknown", fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	err := c.dispatch(ctx, env)
	switch {
	case err == nil:
		atomic.AddInt64(&c.processed, 1)
		metrics.RecordIngestMessage(env.Type, "ok")
		return Ack
	case errors.Is(err, ErrMalformed),
		errors.Is(err, crawlrun.ErrInvalidRun),
		errors.Is(err, events.ErrInvalidSubmission):
		return c.reject(env.Type, err)
	default:
		// Events may arrive before their run is recorded; that and any
		// storage failure is retried by redelivery.
		atomic.AddInt64(&c.retried, 1)
		metrics.RecordIngestMessage(env.Type, "retry")
		logger.Warn("ingest message deferred", "type", env.Type, "error", err)
		return Retry
	}
}

func (c *Consumer) dispatch(ctx context.Context, env Envelope) error {
	switch env.Type {
	case TypeCrawlRun:
		if env.CrawlRun == nil {
			return fmt.Errorf("%w: crawl_run payload missing", ErrMalformed)
		}
		_, err := c.runs.RecordCrawlRun(ctx, *env.CrawlRun)
		return err
	case TypeExtractedEvents:
		if env.Events == nil {
			return fmt.Errorf("%w: extracted_events payload missing", ErrMalformed)
		}
		_, err := c.events.SubmitExtractedEvents(ctx, env.Events.SourceID, env.Events.CrawlRunID, env.Events.Events)
		return err
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

func (c *Consumer) reject(msgType string, err error) Disposition {
	atomic.AddInt64(&c.rejected, 1)
	metrics.RecordIngestMessage(msgType, "rejected")
	logger.Warn("ingest message rejected", "type", msgType, "error", err)
	return Ack
}
