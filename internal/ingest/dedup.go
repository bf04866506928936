package ingest

// Deduplicator suppresses re-emission of readings whose values have not
// changed since the last emission for that entity. This is advisory volume
// reduction only; the downstream upsert on (entity, ts) is the correctness
// backstop, so a missed suppression costs a redundant write, never data loss.
type Deduplicator struct{}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Filter collapses pagination duplicates and decides emit-or-suppress per
// reading against the last known fingerprints.
//
// Readings must be in fetch order. Within one batch the last observation of a
// (entity, ts) pair wins, so upstream corrections that appear later on the
// same page sweep replace earlier ones. The returned staged map holds the
// fingerprints to persist for entities that will be emitted.
func (d *Deduplicator) Filter(readings []Reading, last map[string]Fingerprint) (emit []Reading, staged map[string]Fingerprint) {
	// Last-wins collapse by (entity, ts), preserving first-seen order.
	byKey := make(map[string]int, len(readings))
	collapsed := make([]Reading, 0, len(readings))
	for _, r := range readings {
		key := r.Key()
		if i, ok := byKey[key]; ok {
			collapsed[i] = r
			continue
		}
		byKey[key] = len(collapsed)
		collapsed = append(collapsed, r)
	}

	staged = make(map[string]Fingerprint)
	for _, r := range collapsed {
		fp := ComputeFingerprint(r)

		prev, seen := staged[r.EntityID]
		if !seen {
			prev, seen = last[r.EntityID]
		}
		if seen && prev == fp {
			continue
		}

		emit = append(emit, r)
		staged[r.EntityID] = fp
	}
	return emit, staged
}
