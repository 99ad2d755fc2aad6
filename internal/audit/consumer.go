package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"phone-auth-service/internal/util"
)

// MessageSource is a committed-offset stream such as a Kafka consumer group.
type MessageSource interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
}

// Consumer moves events from a MessageSource into sinks in batches. Offsets
// are committed only after every sink accepted the batch.
type Consumer struct {
	source        MessageSource
	sinks         []Sink
	batchSize     int
	flushInterval time.Duration
	retries       int
	backoff       time.Duration
}

func NewConsumer(source MessageSource, batchSize int, flushInterval time.Duration, sinks ...Sink) *Consumer {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Consumer{
		source:        source,
		sinks:         sinks,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retries:       3,
		backoff:       time.Second,
	}
}

// Run blocks until ctx ends or a batch cannot be stored.
func (c *Consumer) Run(ctx context.Context) error {
	var (
		msgs   []kafka.Message
		events []Event
	)
	deadline := time.Now().Add(c.flushInterval)

	for {
		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := c.source.Fetch(fetchCtx)
		cancel()

		switch {
		case err == nil:
			msgs = append(msgs, msg)
			var evt Event
			if jerr := json.Unmarshal(msg.Value, &evt); jerr != nil {
				util.Warn("Skipping malformed audit message",
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(jerr),
				)
			} else {
				events = append(events, evt)
			}
			if len(msgs) < c.batchSize {
				continue
			}
		case ctx.Err() != nil:
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return c.flush(flushCtx, msgs, events)
		case errors.Is(err, context.DeadlineExceeded):
			// flush interval elapsed
		default:
			return err
		}

		if err := c.flush(ctx, msgs, events); err != nil {
			return err
		}
		msgs, events = msgs[:0], events[:0]
		deadline = time.Now().Add(c.flushInterval)
	}
}

func (c *Consumer) flush(ctx context.Context, msgs []kafka.Message, events []Event) error {
	if len(msgs) == 0 {
		return nil
	}

	var err error
	for attempt := 0; attempt < c.retries; attempt++ {
		if err = WriteAll(ctx, c.sinks, events); err == nil || attempt == c.retries-1 {
			break
		}
		util.Warn("Audit batch write failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("events", len(events)),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("store audit batch: %w", err)
		case <-time.After(c.backoff * time.Duration(attempt+1)):
		}
	}
	if err != nil {
		return fmt.Errorf("store audit batch: %w", err)
	}

	if err := c.source.Commit(ctx, msgs...); err != nil {
		return err
	}
	util.Debug("Audit batch stored", zap.Int("events", len(events)))
	return nil
}
