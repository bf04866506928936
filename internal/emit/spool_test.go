package emit

import (
	"testing"
)

func TestSpoolAppendAndDrain(t *testing.T) {
	s := NewSpool(t.TempDir(), "vlc.air")

	in := []SpooledMessage{
		{Key: "A01|2025-10-18T17:00:00Z", Value: `{"no2":24}`},
		{Key: "A02|2025-10-18T17:00:00Z", Value: `{"no2":12}`},
	}
	if err := s.Append(in); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if got := s.Size(); got != 2 {
		t.Fatalf("expected size 2, got %d", got)
	}

	out, err := s.DrainAll()
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if out[0].Key != in[0].Key || out[0].Value != in[0].Value {
		t.Fatalf("message mismatch: %+v", out[0])
	}

	// Drain clears the file.
	if got := s.Size(); got != 0 {
		t.Fatalf("expected empty spool after drain, got %d", got)
	}
}

func TestSpoolDrainMissingFile(t *testing.T) {
	s := NewSpool(t.TempDir(), "vlc.air")

	out, err := s.DrainAll()
	if err != nil {
		t.Fatalf("drain of missing file failed: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil, got %v", out)
	}
}

func TestSpoolAccumulatesAcrossAppends(t *testing.T) {
	s := NewSpool(t.TempDir(), "vlc.air")

	if err := s.Append([]SpooledMessage{{Key: "a", Value: "1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append([]SpooledMessage{{Key: "b", Value: "2"}}); err != nil {
		t.Fatal(err)
	}

	out, err := s.DrainAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].Key != "a" || out[1].Key != "b" {
		t.Fatalf("unexpected drain result: %+v", out)
	}
}
