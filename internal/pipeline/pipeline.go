// Package pipeline runs the fetch → normalize → dedup → emit → commit cycle
// for one dataset instance. Instances share nothing: each owns its state
// file, topic and backoff controller, and the scheduler guarantees at most
// one cycle runs per instance at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/acidvuca/vlc-ingest/internal/backoff"
	"github.com/acidvuca/vlc-ingest/internal/ingest"
	"github.com/acidvuca/vlc-ingest/internal/state"
)

// Fetcher pulls raw records strictly after the watermark.
type Fetcher interface {
	Fetch(ctx context.Context, since time.Time, maxInflight int) ([]ingest.RawRecord, error)
}

// Emitter hands a batch to the output stream. Implementations replay any
// previously spilled messages ahead of the batch, so Emit is worth calling
// even with an empty batch while SpoolDepth is non-zero.
type Emitter interface {
	Emit(ctx context.Context, batch []ingest.Reading) error
	SpoolDepth() int
}

// StateStore loads and commits durable snapshots.
type StateStore interface {
	Load() (state.Snapshot, error)
	Commit(state.Snapshot) error
}

// Config carries the per-dataset pipeline settings.
type Config struct {
	Dataset        string
	Topic          string
	MaxInflight    int
	FingerprintTTL time.Duration
}

// Status is the operator-facing view of one instance, served by the HTTP
// surface.
type Status struct {
	Dataset      string    `json:"dataset"`
	Topic        string    `json:"topic"`
	Watermark    string    `json:"watermark"`
	BackoffLevel int       `json:"backoff_level"`
	Halted       bool      `json:"halted"`
	LastCycleAt  time.Time `json:"last_cycle_at"`
	LastError    string    `json:"last_error,omitempty"`
	CyclesTotal  int       `json:"cycles_total"`
	CyclesFailed int       `json:"cycles_failed"`
	Emitted      int       `json:"emitted_total"`
	Suppressed   int       `json:"suppressed_total"`
	Malformed    int       `json:"malformed_total"`
	SpoolDepth   int       `json:"spool_depth"`
}

// Pipeline is one dataset instance.
type Pipeline struct {
	cfg        Config
	fetcher    Fetcher
	normalizer *ingest.Normalizer
	dedup      *ingest.Deduplicator
	states     StateStore
	emitter    Emitter
	control    *backoff.Controller

	mu        sync.Mutex
	notBefore time.Time
	halted    bool
	status    Status
}

func New(cfg Config, fetcher Fetcher, normalizer *ingest.Normalizer, states StateStore, emitter Emitter, control *backoff.Controller) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		fetcher:    fetcher,
		normalizer: normalizer,
		dedup:      ingest.NewDeduplicator(),
		states:     states,
		emitter:    emitter,
		control:    control,
		status: Status{
			Dataset: cfg.Dataset,
			Topic:   cfg.Topic,
		},
	}
}

// Name returns the dataset name.
func (p *Pipeline) Name() string {
	return p.cfg.Dataset
}

// Ready reports whether the instance may run a cycle now. A halted instance
// (state corruption) never becomes ready again without operator action; a
// backed-off instance becomes ready once its delay elapses.
func (p *Pipeline) Ready(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.halted && !now.Before(p.notBefore)
}

// Status returns a copy of the current instance status.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := p.status
	p.mu.Unlock()
	st.BackoffLevel = p.control.Level()
	st.SpoolDepth = p.emitter.SpoolDepth()
	return st
}

// RunCycle executes one full cycle and records its outcome with the backoff
// controller. Transient failures return an error and stretch the delay before
// the next cycle; state corruption halts the instance instead.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	err := p.cycle(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.LastCycleAt = time.Now().UTC()
	p.status.CyclesTotal++

	if err == nil {
		p.control.RecordSuccess()
		p.status.LastError = ""
		p.notBefore = time.Time{}
		return nil
	}

	p.status.CyclesFailed++
	p.status.LastError = err.Error()
	if errors.Is(err, state.ErrCorrupt) {
		// Refusing to guess a watermark; an operator must reset the state
		// file or re-bootstrap from the downstream store.
		p.halted = true
		p.status.Halted = true
		log.Printf("pipeline[%s]: HALTED, state unreadable: %v", p.cfg.Dataset, err)
		return err
	}

	delay := p.control.RecordFailure()
	p.notBefore = time.Now().Add(delay)
	log.Printf("pipeline[%s]: cycle failed, backing off %s (level %d): %v",
		p.cfg.Dataset, delay.Round(time.Millisecond), p.control.Level(), err)
	return err
}

func (p *Pipeline) cycle(ctx context.Context) error {
	snap, err := p.states.Load()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.status.Watermark = snap.Watermark.Format(ingest.TimeLayout)
	p.mu.Unlock()

	records, err := p.fetcher.Fetch(ctx, snap.Watermark, p.control.InflightCap(p.cfg.MaxInflight))
	if err != nil {
		return fmt.Errorf("fetch since %s: %w", snap.Watermark.Format(ingest.TimeLayout), err)
	}
	if len(records) == 0 {
		// A quiet feed must still drain the spool once the broker recovers,
		// otherwise spilled messages strand until fresh data shows up.
		if p.emitter.SpoolDepth() > 0 {
			if err := p.emitter.Emit(ctx, nil); err != nil {
				return err
			}
		}
		log.Printf("pipeline[%s]: no new records past %s", p.cfg.Dataset, snap.Watermark.Format(ingest.TimeLayout))
		return nil
	}

	readings := make([]ingest.Reading, 0, len(records))
	malformed := 0
	for _, raw := range records {
		r, err := p.normalizer.Normalize(raw)
		if err != nil {
			// Skip and count; a bad row never aborts the cycle.
			malformed++
			continue
		}
		readings = append(readings, r)
	}

	batch, staged := p.dedup.Filter(readings, snap.Fingerprints)

	if len(batch) > 0 || p.emitter.SpoolDepth() > 0 {
		if err := p.emitter.Emit(ctx, batch); err != nil {
			return err
		}
	}

	// State is updated only after the emitter confirmed the whole batch.
	// The watermark never moves backwards.
	next := snap
	advanced := false
	for _, r := range readings {
		if r.Timestamp.After(next.Watermark) {
			next.Watermark = r.Timestamp
			advanced = true
		}
	}
	for _, r := range batch {
		next.Fingerprints[r.EntityID] = staged[r.EntityID]
		if last, ok := next.LastEmitted[r.EntityID]; !ok || r.Timestamp.After(last) {
			next.LastEmitted[r.EntityID] = r.Timestamp
		}
	}
	next.Prune(p.cfg.FingerprintTTL)

	if len(batch) > 0 || advanced {
		if err := p.states.Commit(next); err != nil {
			return fmt.Errorf("commit state: %w", err)
		}
	}

	p.mu.Lock()
	p.status.Watermark = next.Watermark.Format(ingest.TimeLayout)
	p.status.Emitted += len(batch)
	p.status.Suppressed += len(readings) - len(batch)
	p.status.Malformed += malformed
	p.mu.Unlock()

	log.Printf("pipeline[%s]: emitted=%d suppressed=%d malformed=%d watermark=%s",
		p.cfg.Dataset, len(batch), len(readings)-len(batch), malformed, next.Watermark.Format(ingest.TimeLayout))
	return nil
}
