// Package emit publishes normalized readings to the output stream with
// stable "<entity_id>|<timestamp>" keys. Batches that fail to publish spill
// to an on-disk spool and are replayed on a later cycle, so emission failure
// delays data but never drops it.
package emit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acidvuca/vlc-ingest/internal/ingest"
)

// ErrEmission marks a failed handoff to the stream. The cycle that sees it
// must not commit state; the backoff controller engages.
var ErrEmission = errors.New("emission failed")

// messageWriter abstracts kafka.Writer for tests.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter publishes readings for one dataset topic.
type KafkaEmitter struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	spool   *Spool
}

// NewKafkaEmitter builds an emitter for the topic. spoolDir receives the
// per-topic spill file.
func NewKafkaEmitter(brokers []string, topic, spoolDir string, timeout time.Duration) *KafkaEmitter {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaEmitter{
		writer:  w,
		topic:   topic,
		timeout: timeout,
		spool:   NewSpool(spoolDir, topic),
	}
}

// Emit publishes the batch. Any previously spooled messages are replayed
// first so ordering degrades gracefully rather than losing data. On failure
// the whole batch (and any replayed messages) goes back to the spool and the
// cycle is reported failed.
func (e *KafkaEmitter) Emit(ctx context.Context, batch []ingest.Reading) error {
	msgs, err := e.pending(batch)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.writer.WriteMessages(writeCtx, msgs...); err != nil {
		spilled := make([]SpooledMessage, 0, len(msgs))
		for _, m := range msgs {
			spilled = append(spilled, SpooledMessage{Key: string(m.Key), Value: string(m.Value)})
		}
		if spoolErr := e.spool.Append(spilled); spoolErr != nil {
			return fmt.Errorf("%w: %v (spool also failed: %v)", ErrEmission, err, spoolErr)
		}
		log.Printf("emitter: publish to %s failed, spooled %d messages: %v", e.topic, len(spilled), err)
		return fmt.Errorf("%w: %v", ErrEmission, err)
	}
	return nil
}

// SpoolDepth reports how many messages are parked on disk for this topic.
func (e *KafkaEmitter) SpoolDepth() int {
	return e.spool.Size()
}

func (e *KafkaEmitter) Close() error {
	return e.writer.Close()
}

// pending assembles the messages for this emission: spool replays first, then
// the fresh batch.
func (e *KafkaEmitter) pending(batch []ingest.Reading) ([]kafka.Message, error) {
	spooled, err := e.spool.DrainAll()
	if err != nil {
		return nil, fmt.Errorf("%w: drain spool: %v", ErrEmission, err)
	}

	msgs := make([]kafka.Message, 0, len(spooled)+len(batch))
	for _, m := range spooled {
		msgs = append(msgs, kafka.Message{Key: []byte(m.Key), Value: []byte(m.Value)})
	}
	if len(spooled) > 0 {
		log.Printf("emitter: replaying %d spooled messages for %s", len(spooled), e.topic)
	}

	for _, r := range batch {
		value, err := json.Marshal(r.Payload())
		if err != nil {
			return nil, fmt.Errorf("%w: marshal reading %s: %v", ErrEmission, r.Key(), err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(r.Key()), Value: value})
	}
	return msgs, nil
}
