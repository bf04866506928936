package backoff

import (
	"testing"
	"time"
)

// TestDelayBounded verifies the delay is non-decreasing up to the cap and
// never exceeds it.
func TestDelayBounded(t *testing.T) {
	cfg := Config{
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		MaxLevel:  20,
	}

	var prev time.Duration
	for level := 1; level <= 20; level++ {
		d := cfg.Delay(level)
		if d > time.Minute {
			t.Fatalf("level %d: delay %v exceeds max", level, d)
		}
		if d < prev {
			t.Fatalf("level %d: delay %v decreased from %v", level, d, prev)
		}
		prev = d
	}
}

func TestDelayNormalIsZero(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: time.Minute}
	if d := cfg.Delay(0); d != 0 {
		t.Fatalf("expected zero delay in Normal, got %v", d)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	cfg := Config{
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		JitterFactor: 0.3,
	}

	for i := 0; i < 100; i++ {
		d := cfg.Delay(1)
		if d < 700*time.Millisecond || d > 1300*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-30%% of base", d)
		}
	}
}

func TestControllerTransitions(t *testing.T) {
	c := NewController(Config{
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Second,
		MaxLevel:  3,
	})

	if c.Level() != 0 {
		t.Fatalf("expected Normal, got level %d", c.Level())
	}

	c.RecordFailure()
	if c.Level() != 1 {
		t.Fatalf("expected level 1 after failure, got %d", c.Level())
	}

	// Repeated failures saturate at MaxLevel.
	for i := 0; i < 10; i++ {
		c.RecordFailure()
	}
	if c.Level() != 3 {
		t.Fatalf("expected level capped at 3, got %d", c.Level())
	}

	// First success resets to Normal.
	c.RecordSuccess()
	if c.Level() != 0 {
		t.Fatalf("expected Normal after success, got level %d", c.Level())
	}
}

// TestInflightCap verifies load shedding: full concurrency when Normal, a
// single in-flight fetch under backoff.
func TestInflightCap(t *testing.T) {
	c := NewController(Config{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxLevel: 3})

	if got := c.InflightCap(4); got != 4 {
		t.Fatalf("expected cap 4 in Normal, got %d", got)
	}

	c.RecordFailure()
	if got := c.InflightCap(4); got != 1 {
		t.Fatalf("expected cap 1 under backoff, got %d", got)
	}

	c.RecordSuccess()
	if got := c.InflightCap(0); got != 1 {
		t.Fatalf("expected cap floor of 1, got %d", got)
	}
}
