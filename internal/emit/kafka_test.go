package emit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acidvuca/vlc-ingest/internal/ingest"
)

type fakeWriter struct {
	written [][]kafka.Message
	err     error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.written = append(f.written, msgs)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func testEmitter(t *testing.T, w messageWriter) *KafkaEmitter {
	t.Helper()
	return &KafkaEmitter{
		writer:  w,
		topic:   "vlc.air",
		timeout: time.Second,
		spool:   NewSpool(t.TempDir(), "vlc.air"),
	}
}

func testBatch() []ingest.Reading {
	no2 := 24.0
	return []ingest.Reading{
		{
			EntityID:     "A01",
			Timestamp:    time.Date(2025, 10, 18, 17, 0, 0, 0, time.UTC),
			Measurements: map[string]*float64{"no2": &no2},
		},
	}
}

func TestEmitPublishesWithStableKey(t *testing.T) {
	w := &fakeWriter{}
	e := testEmitter(t, w)

	if err := e.Emit(context.Background(), testBatch()); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if len(w.written) != 1 || len(w.written[0]) != 1 {
		t.Fatalf("expected one message, got %v", w.written)
	}

	msg := w.written[0][0]
	if string(msg.Key) != "A01|2025-10-18T17:00:00Z" {
		t.Fatalf("unexpected key %q", msg.Key)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		t.Fatalf("value is not valid JSON: %v", err)
	}
	if payload["fiwareid"] != "A01" || payload["no2"] != 24.0 {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestEmitEmptyBatchIsNoop(t *testing.T) {
	w := &fakeWriter{}
	e := testEmitter(t, w)

	if err := e.Emit(context.Background(), nil); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if len(w.written) != 0 {
		t.Fatal("expected no writes for empty batch")
	}
}

// TestEmitFailureSpills verifies a failed publish parks the batch on disk and
// reports the cycle as failed.
func TestEmitFailureSpills(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	e := testEmitter(t, w)

	err := e.Emit(context.Background(), testBatch())
	if !errors.Is(err, ErrEmission) {
		t.Fatalf("expected ErrEmission, got %v", err)
	}
	if got := e.SpoolDepth(); got != 1 {
		t.Fatalf("expected 1 spooled message, got %d", got)
	}
}

// TestEmitReplaysSpool verifies parked messages ride along with the next
// successful emission.
func TestEmitReplaysSpool(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	e := testEmitter(t, w)

	if err := e.Emit(context.Background(), testBatch()); err == nil {
		t.Fatal("expected first emit to fail")
	}

	// Broker recovers; the next emission carries the spooled message plus
	// the new batch.
	w.err = nil
	pm25 := 7.0
	next := []ingest.Reading{{
		EntityID:     "A02",
		Timestamp:    time.Date(2025, 10, 18, 18, 0, 0, 0, time.UTC),
		Measurements: map[string]*float64{"pm25": &pm25},
	}}
	if err := e.Emit(context.Background(), next); err != nil {
		t.Fatalf("emit failed after recovery: %v", err)
	}

	if len(w.written) != 1 || len(w.written[0]) != 2 {
		t.Fatalf("expected replayed + fresh message in one write, got %v", w.written)
	}
	if string(w.written[0][0].Key) != "A01|2025-10-18T17:00:00Z" {
		t.Fatalf("expected spooled message first, got key %q", w.written[0][0].Key)
	}
	if string(w.written[0][1].Key) != "A02|2025-10-18T18:00:00Z" {
		t.Fatalf("expected fresh message second, got key %q", w.written[0][1].Key)
	}
	if got := e.SpoolDepth(); got != 0 {
		t.Fatalf("expected empty spool after replay, got %d", got)
	}
}
