package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"RedeemLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes applied events to NATS for downstream
// consumers. Subjects follow the pattern redeem.queue.events.{event_type}.
// The feed is best-effort: the event log in Postgres is the durable record.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is an applied event ready for outbound publishing.
type PublishableEvent struct {
	Sequence  int64       `json:"sequence"`
	EventType string      `json:"event_type"`
	Payload   interface{} `json:"payload"`
	StateHash []byte      `json:"state_hash"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can read the event log directly
				op.logger.Warn().
					Int64("sequence", evt.Sequence).
					Err(err).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("redeem.queue.events.%s", evt.EventType)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("publisher")

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "REDEEM_EVENTS",
		Subjects:  []string{"redeem.queue.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}

	logger.Info().Str("stream", "REDEEM_EVENTS").Msg("ensured stream")
	return nil
}
