package ingestion

import (
	"context"
	"fmt"
	"time"

	"SafeLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	DepositStream   = "SAFE_LEDGER_DEPOSITS"
	DepositSubject  = "ledger.deposits.>"
	DepositConsumer = "safe-ledger-deposits"

	// delay before a NAKed deposit is redelivered
	redeliveryDelay = 2 * time.Second
)

// NATSSubscriber consumes deposit notifications from JetStream and hands
// them to the Ingestor.
type NATSSubscriber struct {
	js       jetstream.JetStream
	ingestor *Ingestor
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, ingestor *Ingestor) *NATSSubscriber {
	return &NATSSubscriber{
		js:       js,
		ingestor: ingestor,
		log:      observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates the durable deposit consumer and starts consuming.
// The consumer uses explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, DepositStream, jetstream.ConsumerConfig{
		Durable:       DepositConsumer,
		FilterSubject: DepositSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", DepositConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		res, err := ns.ingestor.HandleMessage(ctx, msg.Data())
		if res.Ack() {
			if ackErr := msg.Ack(); ackErr != nil {
				ns.log.Warn().Err(ackErr).Str("subject", msg.Subject()).Msg("ack failed")
			}
			return
		}
		ns.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("deposit will be redelivered")
		if nakErr := msg.NakWithDelay(redeliveryDelay); nakErr != nil {
			ns.log.Warn().Err(nakErr).Str("subject", msg.Subject()).Msg("nak failed")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", DepositConsumer, err)
	}

	ns.consumer = cc
	ns.log.Info().Str("subject", DepositSubject).Str("consumer", DepositConsumer).Msg("subscribed")
	return nil
}

// Stop stops the consumer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.log.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the inbound and outbound streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	log := observability.NewLogger("nats")
	streams := []jetstream.StreamConfig{
		{
			Name:      DepositStream,
			Subjects:  []string{"ledger.deposits.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{"ledger.events.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 10 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("safe-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
