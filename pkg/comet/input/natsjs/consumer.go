// Package natsjs feeds the engine from a NATS JetStream durable consumer.
package natsjs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/input"
)

// HeaderSourceType names the source type of a message. Without it the
// last token of the subject is used, so "comet.events.forseti" is a
// forseti message.
const HeaderSourceType = "Comet-Source-Type"

// Config configures a Consumer.
type Config struct {
	Stream        string
	Durable       string
	FilterSubject string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
}

func (c Config) withDefaults() Config {
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1000
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = -1
	}
	return c
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("natsjs: stream is required")
	}
	if c.Durable == "" {
		return fmt.Errorf("natsjs: durable name is required")
	}
	return nil
}

// Connect dials a NATS server with reconnects enabled and returns a
// JetStream handle. The caller closes the connection.
func Connect(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from nats", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("reconnected to nats")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	return nc, js, nil
}

// Consumer pulls from a durable JetStream consumer. Messages are acked
// once the sink accepts them and nak'd otherwise so JetStream redelivers.
type Consumer struct {
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

var _ input.Input = (*Consumer)(nil)

// NewConsumer creates a consumer. The durable is created or updated on Run.
func NewConsumer(js jetstream.JetStream, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		js:     js,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("input", "natsjs"), slog.String("stream", cfg.Stream)),
	}, nil
}

// Name implements input.Input.
func (c *Consumer) Name() string { return "natsjs:" + c.cfg.Stream + "/" + c.cfg.Durable }

// Run implements input.Input.
func (c *Consumer) Run(ctx context.Context, sink input.Sink) error {
	stream, err := c.js.Stream(ctx, c.cfg.Stream)
	if err != nil {
		return fmt.Errorf("looking up stream %s: %w", c.cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          c.cfg.Durable,
		Durable:       c.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.cfg.FilterSubject,
		MaxDeliver:    c.cfg.MaxDeliver,
		AckWait:       c.cfg.AckWait,
		MaxAckPending: c.cfg.MaxAckPending,
	})
	if err != nil {
		return fmt.Errorf("creating consumer %s: %w", c.cfg.Durable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, sink, msg)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		c.logger.Error("consume error", slog.String("error", err.Error()))
	}))
	if err != nil {
		return fmt.Errorf("starting consume: %w", err)
	}
	c.logger.Info("consuming stream", slog.String("durable", c.cfg.Durable))

	<-ctx.Done()
	cc.Stop()
	return nil
}

func (c *Consumer) handle(ctx context.Context, sink input.Sink, msg jetstream.Msg) {
	meta, _ := msg.Metadata()
	raw := ToRawMessage(msg.Subject(), msg.Headers(), msg.Data(), meta)

	if err := sink.Ingest(ctx, raw); err != nil {
		c.logger.Warn("message nak'd for redelivery",
			slog.String("subject", msg.Subject()),
			slog.String("message_id", raw.ID),
			slog.String("error", err.Error()),
		)
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Error("nak failed", slog.String("error", nakErr.Error()))
		}
		return
	}
	if err := msg.Ack(); err != nil {
		c.logger.Error("ack failed", slog.String("message_id", raw.ID), slog.String("error", err.Error()))
	}
}

// ToRawMessage converts a JetStream message. The publisher's Nats-Msg-Id
// is the delivery id when present; otherwise the stream sequence is.
func ToRawMessage(subject string, headers nats.Header, data []byte, meta *jetstream.MsgMetadata) event.RawMessage {
	raw := event.RawMessage{
		SourceType: headers.Get(HeaderSourceType),
		ID:         headers.Get(nats.MsgIdHdr),
		Payload:    append([]byte(nil), data...),
	}
	if raw.SourceType == "" {
		if i := strings.LastIndexByte(subject, '.'); i >= 0 {
			raw.SourceType = subject[i+1:]
		} else {
			raw.SourceType = subject
		}
	}
	if meta != nil {
		if raw.ID == "" {
			raw.ID = meta.Stream + ":" + strconv.FormatUint(meta.Sequence.Stream, 10)
		}
		raw.ReceivedAt = meta.Timestamp.UTC()
	}

	raw.Attributes = map[string]string{"subject": subject}
	for k := range headers {
		if k == HeaderSourceType || k == nats.MsgIdHdr {
			continue
		}
		raw.Attributes[k] = headers.Get(k)
	}
	return raw
}
