// Package redisstream feeds the engine from a Redis stream through a
// consumer group.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/comet/pkg/comet/event"
	"github.com/randalmurphal/comet/pkg/comet/input"
)

// Stream entry fields understood by the consumer. Any other field is
// carried as a message attribute.
const (
	FieldSourceType = "source_type"
	FieldPayload    = "payload"
)

// Config configures a Consumer.
type Config struct {
	Stream   string        // Redis stream name
	Group    string        // consumer group name
	Consumer string        // consumer name within the group
	Source   string        // source type for entries without a source_type field
	Batch    int64         // entries per read
	Block    time.Duration // how long a read blocks for new entries
	// ReclaimIdle is how long an entry may stay pending with a failed
	// consumer before it is claimed again. Zero disables reclaiming.
	ReclaimIdle time.Duration
}

func (c Config) withDefaults() Config {
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	return c
}

// Validate checks required fields.
func (c Config) Validate() error {
	var missing []string
	if c.Stream == "" {
		missing = append(missing, "stream")
	}
	if c.Group == "" {
		missing = append(missing, "group")
	}
	if c.Consumer == "" {
		missing = append(missing, "consumer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("redisstream: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Consumer reads a stream with XREADGROUP and acks entries once the sink
// has accepted them.
type Consumer struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger
}

var _ input.Input = (*Consumer)(nil)

// NewConsumer creates a consumer. The group is created on Run.
func NewConsumer(client redis.UniversalClient, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("input", "redisstream"), slog.String("stream", cfg.Stream)),
	}, nil
}

// Name implements input.Input.
func (c *Consumer) Name() string { return "redisstream:" + c.cfg.Stream }

// Run implements input.Input.
func (c *Consumer) Run(ctx context.Context, sink input.Sink) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("consuming stream", slog.String("group", c.cfg.Group), slog.String("consumer", c.cfg.Consumer))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if c.cfg.ReclaimIdle > 0 {
			if err := c.reclaim(ctx, sink); err != nil && ctx.Err() == nil {
				c.logger.Warn("reclaiming pending entries failed", slog.String("error", err.Error()))
			}
		}

		msgs, err := c.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("reading stream failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.deliver(ctx, sink, msgs)
	}
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	// Start from "0" so entries written before the group existed are read.
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *Consumer) read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Batch,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (c *Consumer) reclaim(ctx context.Context, sink input.Sink) error {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ReclaimIdle,
		Start:    "0",
		Count:    c.cfg.Batch,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("xautoclaim: %w", err)
	}
	c.deliver(ctx, sink, msgs)
	return nil
}

func (c *Consumer) deliver(ctx context.Context, sink input.Sink, msgs []redis.XMessage) {
	for _, msg := range msgs {
		raw := ToRawMessage(msg, c.cfg.Source)
		if err := sink.Ingest(ctx, raw); err != nil {
			c.logger.Warn("entry left pending for redelivery",
				slog.String("entry_id", msg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
			c.logger.Error("xack failed", slog.String("entry_id", msg.ID), slog.String("error", err.Error()))
		}
	}
}

// ToRawMessage converts a stream entry. The entry id doubles as the
// delivery id and its millisecond prefix as the receive time.
func ToRawMessage(msg redis.XMessage, defaultSource string) event.RawMessage {
	values := maps.Clone(msg.Values)
	if values == nil {
		values = map[string]any{}
	}

	sourceType := defaultSource
	if v, ok := values[FieldSourceType]; ok {
		sourceType = fmt.Sprint(v)
		delete(values, FieldSourceType)
	}

	var payload []byte
	if v, ok := values[FieldPayload]; ok {
		switch p := v.(type) {
		case string:
			payload = []byte(p)
		case []byte:
			payload = p
		default:
			payload = []byte(fmt.Sprint(p))
		}
		delete(values, FieldPayload)
	}

	var attrs map[string]string
	if len(values) > 0 {
		attrs = make(map[string]string, len(values))
		for k, v := range values {
			attrs[k] = fmt.Sprint(v)
		}
	}

	return event.RawMessage{
		SourceType: sourceType,
		ID:         msg.ID,
		Payload:    payload,
		Attributes: attrs,
		ReceivedAt: entryTime(msg.ID),
	}
}

// entryTime extracts the timestamp of an auto-generated entry id
// ("<ms>-<seq>"). Custom ids yield the zero time.
func entryTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
