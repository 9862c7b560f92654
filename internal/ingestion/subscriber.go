package ingestion

import (
	"context"
	"fmt"
	"time"

	"RedeemLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to the command subjects and feeds raw commands
// into the dispatcher via commandChan. NATS JetStream is the asynchronous
// ingestion surface; the HTTP API serves synchronous callers.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	logger      zerolog.Logger
}

// RawCommand is a received-but-unparsed command, ready for the dispatcher to
// validate, deduplicate, and apply to the engine.
type RawCommand struct {
	Subject   string
	Kind      string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the command reached a terminal outcome
	NakFunc   func() // NAK on transient failure (will be redelivered)
}

// SubjectConfig maps a NATS subject to a command kind.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard command subject configuration. Each
// command kind has its own subject so consumers can scale independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "redeem.queue.cmd.submit", Kind: KindSubmit, ConsumerName: "queue-submit", StreamName: "REDEEM_CMDS"},
		{Subject: "redeem.queue.cmd.cancel", Kind: KindCancel, ConsumerName: "queue-cancel", StreamName: "REDEEM_CMDS"},
		{Subject: "redeem.queue.cmd.rollover", Kind: KindRollover, ConsumerName: "queue-rollover", StreamName: "REDEEM_CMDS"},
		{Subject: "redeem.queue.cmd.epoch.close", Kind: KindCloseEpoch, ConsumerName: "queue-epoch-close", StreamName: "REDEEM_CMDS"},
		{Subject: "redeem.queue.cmd.epoch.process", Kind: KindProcessEpoch, ConsumerName: "queue-epoch-process", StreamName: "REDEEM_CMDS"},
		{Subject: "redeem.queue.cmd.claim", Kind: KindClaim, ConsumerName: "queue-claim", StreamName: "REDEEM_CMDS"},
		{Subject: "redeem.queue.cmd.claim.batch", Kind: KindClaimBatch, ConsumerName: "queue-claim-batch", StreamName: "REDEEM_CMDS"},
		{Subject: "redeem.queue.cmd.mode", Kind: KindSetQueueMode, ConsumerName: "queue-mode", StreamName: "REDEEM_CMDS"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		logger:      observability.NewLogger("ingestion"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cfg := cfg
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:   msg.Subject(),
				Kind:      cfg.Kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("ingestion")

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "REDEEM_CMDS",
		Subjects:  []string{"redeem.queue.cmd.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream REDEEM_CMDS: %w", err)
	}

	logger.Info().Str("stream", "REDEEM_CMDS").Msg("ensured stream")
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
