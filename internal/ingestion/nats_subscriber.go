package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const IntakeStream = "PREDICT_INTAKE"

// NATSSubscriber consumes intake subjects from JetStream and hands raw
// messages to the intake handler through msgChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawMessage is an undecoded intake message with its settlement hooks.
type RawMessage struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	AckFunc    func() // processed, successfully or with a caller error
	NakFunc    func() // transient failure, redeliver
	TermFunc   func() // malformed, never redeliver
}

// SubjectConfig maps a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         CommandKind
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one consumer per intake command. Each command
// has its own subject so reveals are never stuck behind a commit backlog.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "predict.intake.commit.>", Kind: KindCommit, ConsumerName: "core-commit", StreamName: IntakeStream},
		{Subject: "predict.intake.reveal.>", Kind: KindReveal, ConsumerName: "core-reveal", StreamName: IntakeStream},
		{Subject: "predict.intake.cancel.>", Kind: KindCancel, ConsumerName: "core-cancel", StreamName: IntakeStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		msgChan: msgChan,
		logger:  logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
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
			raw := RawMessage{
				Subject:    msg.Subject(),
				Data:       msg.Data(),
				ReceivedAt: time.Now(),
				AckFunc:    func() { _ = msg.Ack() },
				NakFunc:    func() { _ = msg.Nak() },
				TermFunc:   func() { _ = msg.Term() },
			}

			select {
			case ns.msgChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the intake stream if it doesn't exist.
// Commit-reveal windows are seconds long, so a short max_age suffices.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      IntakeStream,
		Subjects:  []string{"predict.intake.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", IntakeStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("predictcore"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
