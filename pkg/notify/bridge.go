// Package notify republishes workflow events onto a watermill publisher so
// other processes and sinks can consume them.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/openfroyo/devloop/pkg/telemetry"
)

// Message metadata keys.
const (
	MetadataEventType  = "event_type"
	MetadataWorkflowID = "workflow_id"
	MetadataLevel      = "level"
)

// Bridge forwards telemetry events to a watermill topic.
type Bridge struct {
	publisher message.Publisher
	topic     string
	logger    zerolog.Logger

	mu        sync.RWMutex
	closed    bool
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewBridge creates a bridge publishing to topic.
func NewBridge(publisher message.Publisher, topic string, logger zerolog.Logger) (*Bridge, error) {
	if publisher == nil {
		return nil, errors.New("notify: publisher is required")
	}
	if topic == "" {
		return nil, errors.New("notify: topic is required")
	}
	return &Bridge{
		publisher: publisher,
		topic:     topic,
		logger:    logger.With().Str("component", "notify").Str("topic", topic).Logger(),
	}, nil
}

// Attach subscribes the bridge to every event of the publisher.
func (b *Bridge) Attach(events *telemetry.EventPublisher) {
	events.Subscribe(b.Forward, nil)
}

// Forward publishes one event. It matches telemetry.EventSubscriber and
// never returns an error; failures are logged and counted.
func (b *Bridge) Forward(event telemetry.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.failed.Add(1)
		b.logger.Error().Err(err).Str("event_type", event.Type).Msg("Failed to encode event")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataEventType, event.Type)
	msg.Metadata.Set(MetadataLevel, event.Level)
	if event.WorkflowID != "" {
		msg.Metadata.Set(MetadataWorkflowID, event.WorkflowID)
	}

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		b.failed.Add(1)
		b.logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to publish event")
		return
	}
	b.published.Add(1)
}

// Stats returns the number of published and failed events.
func (b *Bridge) Stats() (published, failed uint64) {
	return b.published.Load(), b.failed.Load()
}

// Close stops forwarding and closes the publisher.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.publisher.Close()
}

// Subscribe decodes events from topic until ctx is done. Undecodable
// messages are acked and skipped.
func Subscribe(ctx context.Context, subscriber message.Subscriber, topic string) (<-chan telemetry.Event, error) {
	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to subscribe to %s: %w", topic, err)
	}

	out := make(chan telemetry.Event)
	go func() {
		defer close(out)
		for msg := range messages {
			var event telemetry.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				msg.Ack()
				continue
			}
			select {
			case out <- event:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// NewGoChannel creates an in-process pub/sub for the bridge.
func NewGoChannel(logger zerolog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: false,
		},
		NewLoggerAdapter(logger),
	)
}
