// Package pubsub implements a Google Cloud Pub/Sub job-event publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/sitelens/sitelens/internal/analysis"
)

// Publisher wraps a Pub/Sub publisher client. Lifecycle events are
// best-effort: callers log publish failures but never let them affect
// job state.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

func fullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// New creates a Pub/Sub client and a publisher handle for the topic.
// It authenticates using Application Default Credentials.
func New(ctx context.Context, projectID, topicID string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{
		client:    client,
		publisher: client.Publisher(fullTopicName(projectID, topicID)),
	}, nil
}

// Publish marshals the event to JSON and publishes it to the topic,
// waiting for the server acknowledgement.
func (p *Publisher) Publish(ctx context.Context, event analysis.JobEvent) (string, error) {
	if p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = map[string]string{
		"job_id": event.JobID,
		"status": string(event.Status),
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.publisher.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	return id, nil
}

// Close releases the underlying client connection.
func (p *Publisher) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
