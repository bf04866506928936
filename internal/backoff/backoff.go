// Package backoff tracks consecutive cycle outcomes per dataset instance and
// converts failure streaks into bounded, jittered delays.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config controls the cycle-level backoff schedule.
type Config struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxLevel     int
	JitterFactor float64 // ±fraction of the computed delay
}

// Delay computes the delay for a given backoff level (1-indexed): base *
// 2^(level-1), capped at MaxDelay, with jitter. Level 0 means Normal and
// yields zero.
func (c Config) Delay(level int) time.Duration {
	if level <= 0 {
		return 0
	}
	delay := float64(c.BaseDelay) * math.Pow(2, float64(level-1))
	if max := float64(c.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	if c.JitterFactor > 0 {
		span := delay * c.JitterFactor
		delay += (rand.Float64()*2 - 1) * span
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Controller is the Normal/Backoff(level) state machine. Failures raise the
// level up to MaxLevel; the first fully successful cycle resets to Normal.
// Failures never crash the process, they only stretch the time until the
// next cycle.
type Controller struct {
	mu    sync.Mutex
	cfg   Config
	level int
}

func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// RecordFailure raises the backoff level and returns the delay to observe
// before the next cycle.
func (c *Controller) RecordFailure() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.level < c.cfg.MaxLevel {
		c.level++
	}
	return c.cfg.Delay(c.level)
}

// RecordSuccess resets the controller to Normal.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = 0
}

// Level returns the current backoff level; 0 is Normal.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// InflightCap bounds concurrent page fetches for the next cycle. Under
// backoff the cap drops to one so a struggling upstream is not hammered with
// parallel requests.
func (c *Controller) InflightCap(normal int) int {
	if normal < 1 {
		normal = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.level > 0 {
		return 1
	}
	return normal
}
