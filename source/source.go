package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// RawSample is a single observation produced by a data source. Labels
// identify the series the sample belongs to; they are copied out of the
// backend response so the sample owns them.
type RawSample struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// TimeWindow is a half-open extraction range [Start, End). The zero value is
// the all-history sentinel: Start is resolved from the source's earliest
// sample and End from the wall clock captured at orchestration start.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether the window is the all-history sentinel.
func (w TimeWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Validate checks the Start < End invariant for bounded windows.
func (w TimeWindow) Validate() error {
	if w.IsZero() {
		return nil
	}
	if w.Start.IsZero() || w.End.IsZero() {
		return nil // partially bounded, resolved by the orchestrator
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("invalid time window: start %s is not before end %s",
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// Duration returns End - Start.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Split cuts the window into sequential, non-overlapping sub-windows of at
// most max each. Sub-windows abut exactly: each slice is [s, min(s+max, end)).
func (w TimeWindow) Split(max time.Duration) []TimeWindow {
	if max <= 0 || w.Duration() <= max {
		return []TimeWindow{w}
	}
	var out []TimeWindow
	for s := w.Start; s.Before(w.End); s = s.Add(max) {
		e := s.Add(max)
		if e.After(w.End) {
			e = w.End
		}
		out = append(out, TimeWindow{Start: s, End: e})
	}
	return out
}

// QueryHints tells an adapter how to page through backend limits.
type QueryHints struct {
	// MaxPointsPerRequest is the backend's per-request sample budget.
	MaxPointsPerRequest int
	// NativeStep is the expected native sample interval. Sub-window size is
	// capped at NativeStep * MaxPointsPerRequest so the backend never
	// auto-downsamples below native resolution.
	NativeStep time.Duration
}

// MaxSubWindow returns the largest sub-window span that still honors native
// resolution under the point budget.
func (h QueryHints) MaxSubWindow() time.Duration {
	points := h.MaxPointsPerRequest
	if points <= 0 {
		points = 11000
	}
	step := h.NativeStep
	if step <= 0 {
		step = 15 * time.Second
	}
	return time.Duration(points) * step
}

// SampleIterator yields sample chunks lazily, one backend request per Next
// call. After Next returns false, Err reports the failure that ended the
// iteration, if any.
type SampleIterator interface {
	Next() bool
	Chunk() []RawSample
	Err() error
}

// DataSource is the capability set every metrics backend adapter implements.
// Adapters hold no cross-call state beyond connection configuration.
type DataSource interface {
	// Name identifies the configured backend, e.g. "prometheus@http://host".
	Name() string

	// ListMetrics returns the metric names available at the source.
	ListMetrics(ctx context.Context) ([]string, error)

	// QueryRange streams all raw samples of metric within the half-open
	// window, paging through backend limits per hints. The window must be
	// fully bounded.
	QueryRange(ctx context.Context, metric string, window TimeWindow, hints QueryHints) (SampleIterator, error)

	// EarliestTimestamp probes for the metric's first available sample.
	// Returns ErrNotFound if the backend has no series for the metric.
	EarliestTimestamp(ctx context.Context, metric string) (time.Time, error)
}

// ErrNotFound reports that the backend has no series for the requested
// metric. It is non-fatal to a batch extraction.
var ErrNotFound = errors.New("metric not found")

// RateLimitedError reports backend throttling. It is transient and retried.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by backend, retry after %s", e.RetryAfter)
	}
	return "rate limited by backend"
}

// BackendError wraps a transport, auth, or malformed-response failure, or a
// transient failure that exhausted its retries.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error during %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried: rate limiting and
// timeouts qualify, everything else escalates immediately.
func IsTransient(err error) bool {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries transient failures a handful of times before
// escalating.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
	}
}

// Do runs fn under the policy. Non-transient errors abort immediately;
// transient errors that survive every attempt are escalated to a
// BackendError for op.
func (p RetryPolicy) Do(ctx context.Context, logger log.Logger, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	bo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		level.Warn(logger).Log("msg", "transient backend failure, retrying",
			"op", op, "attempt", attempt, "err", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))

	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return &BackendError{Op: op, Err: fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err)}
	}
	return err
}

// chunkIterator pulls one sub-window per Next call through fetch. Both
// adapters share it so pagination, retries, and laziness live in one place.
type chunkIterator struct {
	ctx     context.Context
	windows []TimeWindow
	fetch   func(ctx context.Context, w TimeWindow) ([]RawSample, error)

	pos   int
	chunk []RawSample
	err   error
}

func newChunkIterator(ctx context.Context, windows []TimeWindow, fetch func(context.Context, TimeWindow) ([]RawSample, error)) *chunkIterator {
	return &chunkIterator{ctx: ctx, windows: windows, fetch: fetch}
}

func (it *chunkIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.windows) {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}
	chunk, err := it.fetch(it.ctx, it.windows[it.pos])
	it.pos++
	if err != nil {
		it.err = err
		return false
	}
	it.chunk = chunk
	return true
}

func (it *chunkIterator) Chunk() []RawSample { return it.chunk }

func (it *chunkIterator) Err() error { return it.err }
