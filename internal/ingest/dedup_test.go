package ingest

import (
	"testing"
	"time"
)

func fptr(f float64) *float64 { return &f }

func testReading(entity string, ts time.Time, no2 float64) Reading {
	return Reading{
		EntityID:  entity,
		Timestamp: ts,
		Measurements: map[string]*float64{
			"no2":  fptr(no2),
			"pm10": fptr(16),
			"so2":  nil,
		},
		Lat: fptr(39.47),
		Lon: fptr(-0.38),
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	ts := time.Date(2025, 10, 18, 17, 0, 0, 0, time.UTC)
	fp1 := ComputeFingerprint(testReading("A01", ts, 24))
	fp2 := ComputeFingerprint(testReading("A01", ts, 24))
	if fp1 != fp2 {
		t.Fatalf("fingerprints differ for identical readings: %s vs %s", fp1, fp2)
	}
	if len(fp1) != 40 {
		t.Fatalf("expected sha1 hex digest, got %q", fp1)
	}
}

// TestFingerprintInsertionOrder verifies that two readings differing only in
// map insertion order hash identically.
func TestFingerprintInsertionOrder(t *testing.T) {
	ts := time.Date(2025, 10, 18, 17, 0, 0, 0, time.UTC)

	a := Reading{EntityID: "A01", Timestamp: ts, Measurements: map[string]*float64{}}
	a.Measurements["no2"] = fptr(24)
	a.Measurements["pm10"] = fptr(16)

	b := Reading{EntityID: "A01", Timestamp: ts, Measurements: map[string]*float64{}}
	b.Measurements["pm10"] = fptr(16)
	b.Measurements["no2"] = fptr(24)

	if ComputeFingerprint(a) != ComputeFingerprint(b) {
		t.Fatal("fingerprint depends on field order")
	}
}

func TestFingerprintChangesWithValues(t *testing.T) {
	ts := time.Date(2025, 10, 18, 17, 0, 0, 0, time.UTC)
	fp1 := ComputeFingerprint(testReading("A01", ts, 24))
	fp2 := ComputeFingerprint(testReading("A01", ts, 25))
	if fp1 == fp2 {
		t.Fatal("fingerprint did not change with measurement value")
	}
}

// TestFilterSuppressesPageOverlap verifies that the same reading appearing
// twice in one fetch yields exactly one emission.
func TestFilterSuppressesPageOverlap(t *testing.T) {
	d := NewDeduplicator()
	ts := time.Date(2025, 10, 18, 17, 0, 0, 0, time.UTC)
	r := testReading("A01", ts, 24)

	emit, staged := d.Filter([]Reading{r, r}, nil)
	if len(emit) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(emit))
	}
	if staged["A01"] != ComputeFingerprint(r) {
		t.Fatal("staged fingerprint does not match emitted reading")
	}
}

// TestFilterLastWins verifies the tie-break: when one fetch carries two
// versions of the same (entity, ts), the later one in fetch order is emitted.
func TestFilterLastWins(t *testing.T) {
	d := NewDeduplicator()
	ts := time.Date(2025, 10, 18, 17, 0, 0, 0, time.UTC)
	first := testReading("A01", ts, 24)
	corrected := testReading("A01", ts, 25)

	emit, _ := d.Filter([]Reading{first, corrected}, nil)
	if len(emit) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(emit))
	}
	if *emit[0].Measurements["no2"] != 25 {
		t.Fatalf("expected corrected value 25, got %v", *emit[0].Measurements["no2"])
	}
}

// TestFilterSuppressesUnchanged verifies a reading whose fingerprint matches
// the last emitted one for its entity is not re-emitted.
func TestFilterSuppressesUnchanged(t *testing.T) {
	d := NewDeduplicator()
	ts := time.Date(2025, 10, 18, 17, 0, 0, 0, time.UTC)
	r := testReading("A01", ts, 24)

	last := map[string]Fingerprint{"A01": ComputeFingerprint(r)}
	emit, staged := d.Filter([]Reading{r}, last)
	if len(emit) != 0 {
		t.Fatalf("expected suppression, got %d emissions", len(emit))
	}
	if len(staged) != 0 {
		t.Fatalf("expected no staged fingerprints, got %d", len(staged))
	}
}

// TestFilterEmitsCorrection verifies a late-arriving correction (same entity
// and ts, different values) is emitted.
func TestFilterEmitsCorrection(t *testing.T) {
	d := NewDeduplicator()
	ts := time.Date(2025, 10, 18, 17, 0, 0, 0, time.UTC)
	prev := testReading("A01", ts, 24)
	corrected := testReading("A01", ts, 25)

	last := map[string]Fingerprint{"A01": ComputeFingerprint(prev)}
	emit, staged := d.Filter([]Reading{corrected}, last)
	if len(emit) != 1 {
		t.Fatalf("expected corrected reading to be emitted, got %d", len(emit))
	}
	if staged["A01"] != ComputeFingerprint(corrected) {
		t.Fatal("staged fingerprint should track the correction")
	}
}

// TestFilterDistinctTimestamps verifies a run of changing readings for one
// entity all make it through.
func TestFilterDistinctTimestamps(t *testing.T) {
	d := NewDeduplicator()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var readings []Reading
	for i := 0; i < 3; i++ {
		readings = append(readings, testReading("A01", base.Add(time.Duration(i)*time.Hour), float64(20+i)))
	}

	emit, staged := d.Filter(readings, nil)
	if len(emit) != 3 {
		t.Fatalf("expected 3 emissions, got %d", len(emit))
	}
	if staged["A01"] != ComputeFingerprint(readings[2]) {
		t.Fatal("staged fingerprint should be the final reading's")
	}
}
