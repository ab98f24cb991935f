package ingestion

import (
	"CurvePool/internal/auth"
	"CurvePool/internal/command"
	"CurvePool/internal/core"
	"CurvePool/internal/observability"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const CommandStream = "CURVE_COMMANDS"

// NATSSubscriber consumes command subjects from JetStream and submits each
// command to the processor, acknowledging once the result is known.
type NATSSubscriber struct {
	js        jetstream.JetStream
	submit    chan<- core.Submission
	metrics   *observability.Metrics
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  command.Type
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per command type.
func DefaultSubjects() []SubjectConfig {
	subjects := make([]SubjectConfig, 0, len(command.Types))
	for _, t := range command.Types {
		subjects = append(subjects, SubjectConfig{
			Subject:      CommandSubjectPrefix + string(t) + ".>",
			CommandType:  t,
			ConsumerName: "curvepool-" + strings.ToLower(string(t)),
			StreamName:   CommandStream,
		})
	}
	return subjects
}

func NewNATSSubscriber(js jetstream.JetStream, submit chan<- core.Submission, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		submit:  submit,
		metrics: metrics,
		logger:  logger.With().Str("component", "nats_subscriber").Logger(),
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
			ns.Handle(ctx, RawCommand{
				Subject:    msg.Subject(),
				Data:       msg.Data(),
				Signature:  msg.Headers().Get(auth.SignatureHeader),
				ReceivedAt: time.Now(),
				AckFunc:    func() { msg.Ack() },
				NakFunc:    func() { msg.Nak() },
				TermFunc:   func() { msg.Term() },
			})
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Handle parses raw, submits it and waits for the outcome. Engine
// rejections are final and acknowledged; only a shutdown before the
// command was applied leads to redelivery.
func (ns *NATSSubscriber) Handle(ctx context.Context, raw RawCommand) {
	cmd, err := ParseRawCommand(raw)
	if err != nil {
		outcome := "malformed"
		if errors.Is(err, auth.ErrMissingSignature) || errors.Is(err, auth.ErrBadSignature) || errors.Is(err, auth.ErrCallerMismatch) {
			outcome = "unauthenticated"
		}
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg(outcome + " command")
		ns.count(raw.Subject, outcome)
		raw.TermFunc()
		return
	}

	reply := make(chan core.Reply, 1)
	select {
	case ns.submit <- core.Submission{Command: cmd, Reply: reply}:
	case <-ctx.Done():
		raw.NakFunc()
		return
	}

	select {
	case r := <-reply:
		switch {
		case r.Err != nil:
			ns.count(string(cmd.CommandType()), core.KindOf(r.Err).String())
		case r.Result.Duplicate:
			ns.count(string(cmd.CommandType()), "duplicate")
		default:
			ns.count(string(cmd.CommandType()), "applied")
		}
		raw.AckFunc()
	case <-ctx.Done():
		raw.NakFunc()
	}
}

func (ns *NATSSubscriber) count(label, outcome string) {
	if ns.metrics != nil {
		ns.metrics.IngestCommands.WithLabelValues(label, outcome).Inc()
	}
}

// EnsureStreams creates the inbound command stream if it doesn't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	cfg := jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
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
		nats.Name("curvepool"),
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
