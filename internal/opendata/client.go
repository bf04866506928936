// Package opendata fetches dataset records from the Explore open-data API,
// paging in ascending timestamp order and falling back across protocol-version
// base URLs.
package opendata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/acidvuca/vlc-ingest/internal/ingest"
)

var (
	// ErrAPIUnavailable covers timeouts, 5xx responses and exhausted base-URL
	// fallback. The cycle aborts and retries later from the same watermark.
	ErrAPIUnavailable = errors.New("api unavailable")

	// ErrRateLimited is a 429 from the upstream; it takes the same recovery
	// path as ErrAPIUnavailable but is reported separately.
	ErrRateLimited = errors.New("rate limited")

	errServerError = errors.New("server error")
	errUnexpected  = errors.New("unexpected status code")
	errCircuitOpen = errors.New("circuit breaker open")
)

// BackoffConfig controls per-request retry behaviour inside one fetch.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	JitterFactor    float64
}

// Config describes one dataset's upstream endpoint.
type Config struct {
	// Bases is the ordered list of protocol-version base URLs; each is tried
	// in sequence until one yields a complete fetch.
	Bases          []string
	DatasetID      string
	TimestampField string
	PageLimit      int

	Client  *http.Client
	Backoff BackoffConfig
}

type endpoint struct {
	base    string
	circuit *gobreaker.CircuitBreaker
}

// Client pages through a dataset's records. Safe for use by a single cycle at
// a time; the scheduler guarantees cycles do not overlap.
type Client struct {
	cfg       Config
	endpoints []endpoint
}

func NewClient(cfg Config) *Client {
	endpoints := make([]endpoint, 0, len(cfg.Bases))
	for _, base := range cfg.Bases {
		cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.DatasetID + "@" + base,
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
		})
		endpoints = append(endpoints, endpoint{base: base, circuit: cb})
	}
	return &Client{cfg: cfg, endpoints: endpoints}
}

// Fetch returns all records with timestamp strictly after since, in page
// order. maxInflight bounds concurrent page requests; the backoff controller
// lowers it to shed load. Pagination stops on the first short or empty page,
// or once the reported total_count has been collected.
func (c *Client) Fetch(ctx context.Context, since time.Time, maxInflight int) ([]ingest.RawRecord, error) {
	if maxInflight < 1 {
		maxInflight = 1
	}

	var lastErr error
	rateLimited := false
	for _, ep := range c.endpoints {
		records, err := c.fetchAll(ctx, ep, since, maxInflight)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrRateLimited) {
			rateLimited = true
		}
		lastErr = err
	}

	if rateLimited {
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrAPIUnavailable, lastErr)
}

// fetchAll pages through one endpoint base. Pages are requested in waves of
// maxInflight and reassembled in offset order before being appended, so the
// result preserves the upstream's ascending timestamp ordering.
func (c *Client) fetchAll(ctx context.Context, ep endpoint, since time.Time, maxInflight int) ([]ingest.RawRecord, error) {
	limit := c.cfg.PageLimit
	var all []ingest.RawRecord

	type pageResult struct {
		rows  []ingest.RawRecord
		total int
		err   error
	}

	total := -1
	offset := 0
	for {
		// Cooperative cancellation point between page fetches.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		results := make([]pageResult, maxInflight)
		var wg sync.WaitGroup
		for i := 0; i < maxInflight; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				rows, pageTotal, err := c.fetchPage(ctx, ep, since, offset+i*limit)
				results[i] = pageResult{rows: rows, total: pageTotal, err: err}
			}()
		}
		wg.Wait()

		for i := 0; i < maxInflight; i++ {
			if results[i].err != nil {
				return nil, results[i].err
			}
			all = append(all, results[i].rows...)
			if results[i].total > 0 {
				total = results[i].total
			}
			if len(results[i].rows) < limit {
				return all, nil
			}
			// A known total saves the trailing empty-page request when the
			// record count is an exact page multiple.
			if total > 0 && len(all) >= total {
				return all, nil
			}
		}
		offset += maxInflight * limit
	}
}

// fetchPage requests one page with retries, exponential backoff with jitter,
// and the endpoint's circuit breaker.
func (c *Client) fetchPage(ctx context.Context, ep endpoint, since time.Time, offset int) ([]ingest.RawRecord, int, error) {
	params := url.Values{}
	params.Set("where", fmt.Sprintf("%s > date'%s'", c.cfg.TimestampField, since.UTC().Format(ingest.TimeLayout)))
	params.Set("order_by", c.cfg.TimestampField)
	params.Set("limit", strconv.Itoa(c.cfg.PageLimit))
	params.Set("offset", strconv.Itoa(offset))
	reqURL := fmt.Sprintf("%s/catalog/datasets/%s/records?%s", ep.base, c.cfg.DatasetID, params.Encode())

	resp, err := c.doRequestWithResilience(ctx, ep.circuit, reqURL)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var payload struct {
		TotalCount int                `json:"total_count"`
		Results    []ingest.RawRecord `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("decode page at offset %d: %w", offset, err)
	}
	return payload.Results, payload.TotalCount, nil
}

// doRequestWithResilience executes the request with retries, exponential
// backoff, and the circuit breaker. A server-provided Retry-After hint takes
// precedence over the computed delay.
func (c *Client) doRequestWithResilience(ctx context.Context, cb *gobreaker.CircuitBreaker, reqURL string) (*http.Response, error) {
	cfg := c.cfg.Backoff

	var attempt int
	var lastErr error
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "vlc-ingest/1.0")

		var retryAfter time.Duration
		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := c.cfg.Client.Do(req)
			if execErr != nil {
				return nil, execErr
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				if hint := resp.Header.Get("Retry-After"); hint != "" {
					if secs, convErr := strconv.Atoi(hint); convErr == nil && secs >= 0 {
						retryAfter = time.Duration(secs) * time.Second
					}
				}
				resp.Body.Close()
				return nil, ErrRateLimited
			}
			if resp.StatusCode >= 500 {
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode)
			}
			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return resp, nil
		}

		// If the circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}

		lastErr = err
		if attempt >= cfg.MaxRetries {
			return nil, lastErr
		}

		delay := retryDelay(cfg, attempt)
		if retryAfter > 0 {
			delay = retryAfter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

// retryDelay computes base * 2^attempt, capped at MaxInterval, with
// ±JitterFactor randomization so parallel dataset instances do not retry in
// lockstep.
func retryDelay(cfg BackoffConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(2, float64(attempt))
	if max := float64(cfg.MaxInterval); max > 0 && delay > max {
		delay = max
	}
	if cfg.JitterFactor > 0 {
		span := delay * cfg.JitterFactor
		delay += (rand.Float64()*2 - 1) * span
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
