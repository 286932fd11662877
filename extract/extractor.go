// Package extract coordinates a bounded extraction: it drives a data source
// across the requested window for every metric, normalizes the resulting
// chunks into tables, and reports per-metric status.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"metrex/cache"
	"metrex/source"
	"metrex/table"
)

// Per-metric terminal states.
const (
	StateOK       = "ok"
	StateNotFound = "not_found"
	StateFailed   = "failed"
)

// MetricStatus records how one metric's extraction ended. Err is set for
// StateFailed and carries the reason (backend failure, cancellation).
type MetricStatus struct {
	State string
	Err   error
}

// Result is the outcome of one extraction. Tables holds one table per
// succeeded metric; Combined is populated instead when combined mode was
// requested. Status always has an entry for every requested metric, so a
// caller can tell an empty result from a failed one.
type Result struct {
	Order    []string
	Tables   map[string]*table.Table
	Combined *table.Table
	Status   map[string]MetricStatus
}

// Failed returns the metrics that did not end in StateOK, in request order.
func (r *Result) Failed() []string {
	var out []string
	for _, m := range r.Order {
		if r.Status[m].State != StateOK {
			out = append(out, m)
		}
	}
	return out
}

// AllFailed reports whether not a single metric succeeded.
func (r *Result) AllFailed() bool {
	return len(r.Failed()) == len(r.Order) && len(r.Order) > 0
}

// ConfigError reports a request problem detected before any network I/O:
// bad window, empty metric list, output naming collision.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

// Options tunes one extraction run.
type Options struct {
	// Window is the extraction range. Zero start and/or end are resolved
	// from the source's earliest sample and the orchestration start time.
	Window source.TimeWindow
	// Combined folds all metrics into a single table with metric-prefixed
	// series keys instead of one table per metric.
	Combined bool
	// Hints page the adapter through backend limits.
	Hints source.QueryHints
}

// Extractor runs per-metric extraction units concurrently. Units share
// nothing except the source (whose quota the adapters' rate limiter
// governs), so processing order never affects output.
type Extractor struct {
	logger  log.Logger
	workers int
	cache   *cache.Cache
}

// New creates an extractor running at most workers metric extractions at
// once.
func New(logger log.Logger, workers int) *Extractor {
	if workers <= 0 {
		workers = 4
	}
	return &Extractor{logger: logger, workers: workers}
}

// WithCache attaches a chunk cache consulted for bounded windows.
func (e *Extractor) WithCache(c *cache.Cache) *Extractor {
	e.cache = c
	return e
}

// Extract pulls every requested metric over the window. Individual metric
// failures are recorded in the result and never abort the batch; the
// returned error is non-nil only for config errors or when every metric
// failed. On cancellation the partial result accumulated so far is returned
// with unfinished metrics marked failed.
func (e *Extractor) Extract(ctx context.Context, src source.DataSource, metrics []string, opts Options) (*Result, error) {
	if len(metrics) == 0 {
		return nil, &ConfigError{Reason: "no metrics requested"}
	}
	seen := make(map[string]bool, len(metrics))
	for _, m := range metrics {
		if m == "" {
			return nil, &ConfigError{Reason: "empty metric name in request"}
		}
		if seen[m] {
			return nil, &ConfigError{Reason: fmt.Sprintf("metric %q requested twice", m)}
		}
		seen[m] = true
	}
	if err := opts.Window.Validate(); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	// The end boundary of unbounded extractions is the wall clock captured
	// exactly once, here, so a long run has a stable window.
	now := time.Now().UTC()

	res := &Result{
		Order:  append([]string(nil), metrics...),
		Tables: make(map[string]*table.Table, len(metrics)),
		Status: make(map[string]MetricStatus, len(metrics)),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, metric := range metrics {
		metric := metric
		g.Go(func() error {
			tbl, status := e.extractOne(gctx, src, metric, opts, now)
			mu.Lock()
			defer mu.Unlock()
			res.Status[metric] = status
			if status.State == StateOK {
				res.Tables[metric] = tbl
			}
			return nil
		})
	}
	_ = g.Wait() // units never return errors; statuses carry failures

	if res.AllFailed() {
		return res, fmt.Errorf("all %d metrics failed to extract", len(metrics))
	}
	if opts.Combined {
		res.Combined = table.Combine(res.Tables, res.Order)
		res.Tables = nil
	}
	return res, nil
}

// extractOne is a single independent unit of work: window resolution, chunk
// fetching, and normalization for one metric. The normalizer's table is only
// touched from this goroutine, keeping table mutation single-writer.
func (e *Extractor) extractOne(ctx context.Context, src source.DataSource, metric string, opts Options, now time.Time) (*table.Table, MetricStatus) {
	if err := ctx.Err(); err != nil {
		return nil, MetricStatus{State: StateFailed, Err: fmt.Errorf("cancelled: %w", err)}
	}

	w, bounded, err := e.resolveWindow(ctx, src, metric, opts.Window, now)
	if err != nil {
		return nil, statusFromError(err)
	}

	if e.cache != nil && bounded {
		if samples, ok := e.cache.Get(src.Name(), metric, w); ok {
			norm := table.NewNormalizer(e.logger)
			return norm.Merge(nil, metric, samples), MetricStatus{State: StateOK}
		}
	}

	it, err := src.QueryRange(ctx, metric, w, opts.Hints)
	if err != nil {
		return nil, statusFromError(err)
	}

	norm := table.NewNormalizer(e.logger)
	var tbl *table.Table
	var fetched []source.RawSample
	for it.Next() {
		chunk := it.Chunk()
		if e.cache != nil && bounded {
			fetched = append(fetched, chunk...)
		}
		tbl = norm.Merge(tbl, metric, chunk)
	}
	if err := it.Err(); err != nil {
		return nil, statusFromError(err)
	}
	if tbl == nil {
		tbl = table.New(metric)
	}

	// An empty table is valid when the metric simply has no data in range.
	// Backends like Prometheus answer absent metrics with empty results
	// instead of an error, so disambiguate with one earliest-sample probe.
	if tbl.NumRows() == 0 {
		if _, probeErr := src.EarliestTimestamp(ctx, metric); probeErr != nil {
			if errors.Is(probeErr, source.ErrNotFound) {
				return nil, MetricStatus{State: StateNotFound}
			}
			level.Warn(e.logger).Log("msg", "existence probe failed, keeping empty result",
				"metric", metric, "err", probeErr)
		}
	}

	if e.cache != nil && bounded {
		if err := e.cache.Put(src.Name(), metric, w, fetched); err != nil {
			level.Warn(e.logger).Log("msg", "cache write failed", "metric", metric, "err", err)
		}
	}

	level.Info(e.logger).Log("msg", "metric extracted", "metric", metric,
		"rows", tbl.NumRows(), "series", tbl.NumSeries())
	return tbl, MetricStatus{State: StateOK}
}

// resolveWindow turns a partially or fully unbounded request window into a
// concrete [start, end). bounded reports whether the request window was
// fully bounded, i.e. deterministic across runs.
func (e *Extractor) resolveWindow(ctx context.Context, src source.DataSource, metric string, w source.TimeWindow, now time.Time) (source.TimeWindow, bool, error) {
	bounded := !w.Start.IsZero() && !w.End.IsZero()
	if w.End.IsZero() {
		w.End = now
	}
	if w.Start.IsZero() {
		earliest, err := src.EarliestTimestamp(ctx, metric)
		if err != nil {
			return w, false, err
		}
		w.Start = earliest
	}
	if !w.Start.Before(w.End) {
		return w, false, fmt.Errorf("resolved window is empty: earliest sample %s is not before %s",
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return w, bounded, nil
}

func statusFromError(err error) MetricStatus {
	switch {
	case errors.Is(err, source.ErrNotFound):
		return MetricStatus{State: StateNotFound}
	case errors.Is(err, context.Canceled):
		return MetricStatus{State: StateFailed, Err: fmt.Errorf("cancelled: %w", err)}
	default:
		return MetricStatus{State: StateFailed, Err: err}
	}
}
