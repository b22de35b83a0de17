package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// SubjectConfig binds a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the ledger signal subjects on stream.
func DefaultSubjects(stream, durablePrefix string) []SubjectConfig {
	if stream == "" {
		stream = "LEDGER_SIGNALS"
	}
	if durablePrefix == "" {
		durablePrefix = "settlement-engine"
	}
	return []SubjectConfig{
		{Subject: "ledger.trades.>", ConsumerName: durablePrefix + "-trades", StreamName: stream},
		{Subject: "ledger.settlements.>", ConsumerName: durablePrefix + "-settlements", StreamName: stream},
		{Subject: "ledger.orders.placed.>", ConsumerName: durablePrefix + "-placements", StreamName: stream},
	}
}

// Subscriber consumes ledger signals from JetStream. Messages are handled inline, one
// at a time per consumer, and acked only after the handler returns.
type Subscriber struct {
	js        jetstream.JetStream
	router    *Router
	logger    *zap.Logger
	consumers []jetstream.ConsumeContext
}

// NewSubscriber constructs a subscriber.
func NewSubscriber(js jetstream.JetStream, router *Router, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{js: js, router: router, logger: logger.Named("nats")}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit ack,
// max_deliver=5 and ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
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

		consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
			if ctx.Err() != nil {
				_ = msg.Nak()
				return
			}
			var ackErr error
			switch s.router.Handle(ctx, msg.Subject(), msg.Data()) {
			case Nak:
				ackErr = msg.Nak()
			default:
				ackErr = msg.Ack()
			}
			if ackErr != nil {
				s.logger.Warn("signal ack failed", zap.String("subject", msg.Subject()), zap.Error(ackErr))
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, consumeCtx)
		s.logger.Info("subscribed", zap.String("subject", cfg.Subject), zap.String("consumer", cfg.ConsumerName))
	}
	return nil
}

// Stop stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.logger.Info("subscribers stopped")
}

// EnsureStream creates the ledger signal stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string) error {
	if name == "" {
		name = "LEDGER_SIGNALS"
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{"ledger.trades.>", "ledger.settlements.>", "ledger.orders.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, logger *zap.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
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
