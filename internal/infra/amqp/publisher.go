// Package amqp publishes job outcome events to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/metrics"
	"github.com/vietddude/dialer/internal/queue"
)

// Event types.
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// OutcomeEvent is the message body published for every finished job attempt.
type OutcomeEvent struct {
	ID         string              `json:"id"`
	Type       string              `json:"type"`
	JobID      string              `json:"job_id"`
	CampaignID string              `json:"campaign_id"`
	Step       int                 `json:"step"`
	RetryCount int                 `json:"retry_count"`
	Success    bool                `json:"success"`
	Outcome    domain.CallOutcome  `json:"outcome"`
	NextStep   *int                `json:"next_step,omitempty"`
	Terminal   bool                `json:"terminal"`
	Error      *domain.ResultError `json:"error,omitempty"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// RoutingKey is "call.<outcome>" for completed jobs and "job.failed" or
// "job.retrying" for failures.
func (e OutcomeEvent) RoutingKey() string {
	switch {
	case e.Type == EventJobCompleted:
		return "call." + strings.ToLower(string(e.Outcome))
	case e.Terminal:
		return "job.failed"
	default:
		return "job.retrying"
	}
}

// Channel is the subset of *amqp091.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher sends outcome events.
type Publisher struct {
	conn     *amqp091.Connection
	ch       Channel
	exchange string
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// Dial connects to the broker and declares a durable topic exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := NewPublisher(ch, exchange)
	p.conn = conn
	return p, nil
}

// NewPublisher creates a publisher on an open channel.
func NewPublisher(ch Channel, exchange string) *Publisher {
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		timeout:  5 * time.Second,
		now:      time.Now,
		log:      slog.Default().With("component", "events"),
	}
}

// Publish sends one event as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, ev OutcomeEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, p.exchange, ev.RoutingKey(), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues(ev.Type, "error").Inc()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	metrics.EventsPublished.WithLabelValues(ev.Type, "ok").Inc()
	return nil
}

// Callbacks returns queue callbacks that publish every finished attempt.
// Publish failures are logged and never fail the job.
func (p *Publisher) Callbacks() queue.Callbacks {
	return queue.Callbacks{
		OnCompleted: func(job *domain.Job, res domain.JobResult) {
			p.publishQuietly(newEvent(EventJobCompleted, job, res, true))
		},
		OnFailed: func(job *domain.Job, res domain.JobResult, terminal bool) {
			p.publishQuietly(newEvent(EventJobFailed, job, res, terminal))
		},
	}
}

func (p *Publisher) publishQuietly(ev OutcomeEvent) {
	if err := p.Publish(context.Background(), ev); err != nil {
		p.log.Warn("Failed to publish outcome event", "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}

func newEvent(typ string, job *domain.Job, res domain.JobResult, terminal bool) OutcomeEvent {
	return OutcomeEvent{
		Type:       typ,
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		Step:       job.Step,
		RetryCount: job.RetryCount,
		Success:    res.Success,
		Outcome:    res.Outcome,
		NextStep:   res.NextStep,
		Terminal:   terminal,
		Error:      res.Error,
	}
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		if p.conn != nil {
			_ = p.conn.Close()
		}
		return err
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
