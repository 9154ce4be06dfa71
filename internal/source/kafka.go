package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gridflow-lab/gridflow/internal/core/ride"
	"github.com/gridflow-lab/gridflow/internal/observability/metrics"
)

// KafkaOptions configures the consumer side of a ride event topic.
type KafkaOptions struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MaxBatch int
	// MaxWait bounds how long one Fetch blocks waiting for the first
	// message before handing back an empty batch.
	MaxWait time.Duration
}

func (o KafkaOptions) normalized() KafkaOptions {
	n := o
	if n.MaxBatch <= 0 {
		n.MaxBatch = defaultMaxBatch
	}
	if n.MaxWait <= 0 {
		n.MaxWait = 500 * time.Millisecond
	}
	return n
}

// Kafka consumes raw ride events from a topic. Offsets are committed
// explicitly through Commit, so everything handed to the pipeline is
// redelivered after a crash until the pipeline acknowledged it.
type Kafka struct {
	reader   *kafka.Reader
	maxBatch int
	maxWait  time.Duration

	// pending holds fetched but uncommitted messages, including ones that
	// failed to decode: committing past a poison message is what keeps it
	// from looping back forever.
	pending []kafka.Message
}

// NewKafka builds a consumer group reader over the given brokers.
func NewKafka(opts KafkaOptions) (*Kafka, error) {
	opts = opts.normalized()
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka source: at least one broker required")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka source: topic required")
	}
	if opts.GroupID == "" {
		return nil, errors.New("kafka source: group id required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     opts.Brokers,
		Topic:       opts.Topic,
		GroupID:     opts.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     opts.MaxWait,
		StartOffset: kafka.FirstOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			slog.Error("[KafkaSource] reader error", "detail", fmt.Sprintf(msg, args...))
		}),
	})

	return &Kafka{
		reader:   reader,
		maxBatch: opts.MaxBatch,
		maxWait:  opts.MaxWait,
	}, nil
}

// Fetch gathers up to MaxBatch messages within one MaxWait window and decodes
// them. Messages that are not valid JSON are counted, logged and skipped;
// they still join the pending set so the next Commit moves past them.
func (k *Kafka) Fetch(ctx context.Context) ([]ride.RawEvent, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, k.maxWait)
	defer cancel()

	var out []ride.RawEvent
	for len(out) < k.maxBatch {
		msg, err := k.reader.FetchMessage(fetchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			return out, fmt.Errorf("fetch message: %w", err)
		}
		k.pending = append(k.pending, msg)

		raw, ok := decodeMessage(msg)
		if !ok {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// decodeMessage parses one payload. False means the message is counted,
// logged and skipped; the caller keeps it pending so Commit moves past it.
func decodeMessage(msg kafka.Message) (ride.RawEvent, bool) {
	var raw ride.RawEvent
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		metrics.IncSourceDecodeFailure()
		slog.Warn("[KafkaSource] Skipping undecodable message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return ride.RawEvent{}, false
	}
	return raw, true
}

// Commit acknowledges every message fetched since the previous Commit.
func (k *Kafka) Commit(ctx context.Context) error {
	if len(k.pending) == 0 {
		return nil
	}
	if err := k.reader.CommitMessages(ctx, k.pending...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	k.pending = k.pending[:0]
	return nil
}

// Close shuts the reader down. Pending uncommitted messages will be
// redelivered to the next consumer of the group.
func (k *Kafka) Close() error {
	return k.reader.Close()
}
