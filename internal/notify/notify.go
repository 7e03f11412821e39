// Package notify delivers cadence-change notifications to the external
// crawl scheduler.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/metrics"
	"github.com/dStensland/LostCity-sub000/internal/pkg/httpretry"
	"github.com/dStensland/LostCity-sub000/internal/pkg/logger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Source-Health-Signature"

type sqsSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier publishes cadence changes to a queue.
type SQSNotifier struct {
	client   sqsSender
	queueURL string
}

// NewSQSNotifier creates a notifier for queueURL.
func NewSQSNotifier(client sqsSender, queueURL string) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL}
}

// NotifyCadenceChange sends c as a JSON message tagged with its source.
func (n *SQSNotifier) NotifyCadenceChange(ctx context.Context, c domain.CadenceChange) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cadence change: %w", err)
	}

	_, err = n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"source_id": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.FormatInt(c.SourceID, 10)),
			},
			"cadence": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(c.Recommended)),
			},
		},
	})
	metrics.RecordDelivery("sqs", err)
	if err != nil {
		return fmt.Errorf("send cadence change: %w", err)
	}
	return nil
}

// WebhookNotifier POSTs cadence changes to an HTTP endpoint.
type WebhookNotifier struct {
	client httpretry.HTTPDoer
	url    string
	secret []byte
}

// NewWebhookNotifier posts to url through client. When secret is set every
// body is signed with it.
func NewWebhookNotifier(client httpretry.HTTPDoer, url, secret string) *WebhookNotifier {
	if client == nil {
		client = httpretry.New(nil, httpretry.DefaultOptions())
	}
	return &WebhookNotifier{client: client, url: url, secret: []byte(secret)}
}

// NotifyCadenceChange posts c. Any non-2xx status is an error.
func (n *WebhookNotifier) NotifyCadenceChange(ctx context.Context, c domain.CadenceChange) (err error) {
	defer func() { metrics.RecordDelivery("webhook", err) }()

	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal cadence change: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Notifier is the shape shared by every sink.
type Notifier interface {
	NotifyCadenceChange(ctx context.Context, c domain.CadenceChange) error
}

// Multi fans a change out to every sink with a per-sink timeout. One
// failing sink does not stop the others.
type Multi struct {
	sinks   []Notifier
	timeout time.Duration
}

// NewMulti combines sinks. Nil sinks are dropped.
func NewMulti(timeout time.Duration, sinks ...Notifier) *Multi {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	m := &Multi{timeout: timeout}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len reports the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// NotifyCadenceChange delivers c to all sinks and joins their errors.
func (m *Multi) NotifyCadenceChange(ctx context.Context, c domain.CadenceChange) error {
	var errs []error
	for _, s := range m.sinks {
		sctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := s.NotifyCadenceChange(sctx, c)
		cancel()
		if err != nil {
			logger.Warn("cadence notification failed", "source_id", c.SourceID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
