package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"TradeAudit/internal/audit"
	"TradeAudit/internal/observability"
)

const (
	// StreamName holds every audit event published by the back-office apps.
	StreamName = "BACKOFFICE_AUDIT"

	// SubjectRoot is the subject space the stream captures:
	// backoffice.audit.<entity_type>.<action>
	SubjectRoot = "backoffice.audit.>"

	consumerName = "tradeaudit-writer"
)

// EntryRecorder is the persistence surface the subscriber feeds.
type EntryRecorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// Subscriber consumes audit events from JetStream and records them.
// Messages are acked after a successful Record and naked on record
// failure so JetStream redelivers.
type Subscriber struct {
	js       jetstream.JetStream
	recorder EntryRecorder
	logger   zerolog.Logger
	metrics  *observability.Metrics

	consumers []jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, recorder EntryRecorder, logger zerolog.Logger, metrics *observability.Metrics) *Subscriber {
	return &Subscriber{
		js:       js,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
	}
}

// Subscribe creates the durable consumer and starts delivery.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: SubjectRoot,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	s.consumers = append(s.consumers, consumerContext)
	s.logger.Info().Str("subject", SubjectRoot).Str("consumer", consumerName).
		Msg("subscribed to audit stream")
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg jetstream.Msg) {
	subject := msg.Subject()
	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues(subject).Inc()
	}

	entry, err := ParseEntry(subject, msg.Data())
	if err != nil {
		// Unparseable events are acked so they don't loop through
		// redelivery; they are counted and logged instead.
		s.logger.Warn().Str("subject", subject).Err(err).Msg("rejecting audit event")
		if s.metrics != nil {
			s.metrics.IngestRejected.WithLabelValues(subject, "parse").Inc()
		}
		msg.Ack()
		return
	}

	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.Error().Str("subject", subject).Str("entry_id", entry.ID.String()).
			Err(err).Msg("record audit entry failed")
		msg.Nak()
		return
	}

	msg.Ack()
}

// Stop gracefully stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.logger.Info().Msg("audit subscribers stopped")
}

// EnsureAuditStream creates the audit stream if it doesn't exist.
// FileStorage, retention=Limits, max_age=72h: the stream is a buffer in
// front of the durable store, not the store itself.
func EnsureAuditStream(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectRoot},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
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
