package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/time/rate"
)

// promLookback is the server-side staleness window applied to instant
// evaluations; probe refinement must widen by it to not skip raw samples.
const promLookback = 5 * time.Minute

// promProbeEpoch bounds the earliest-timestamp search; no reachable backend
// holds samples older than this.
var promProbeEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// metricNameListWindow bounds the ListMetrics label-values lookup.
const metricNameListWindow = 24 * time.Hour

// functionQueryPattern matches PromQL expressions containing function calls,
// e.g. rate(http_requests_total[5m]).
var functionQueryPattern = regexp.MustCompile(`[a-zA-Z_:][a-zA-Z0-9_:]*\(`)

// PrometheusConfig configures a Prometheus-style backend connection.
type PrometheusConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// PrometheusSource extracts raw, native-resolution samples through the
// Prometheus HTTP API. Plain metric names are fetched with range-vector
// selector queries evaluated at each sub-window end, which bypasses the
// step-based downsampling of query_range; expressions containing functions
// fall back to query_range at the native step.
type PrometheusSource struct {
	cfg     PrometheusConfig
	api     v1.API
	logger  log.Logger
	limiter *rate.Limiter
	retry   RetryPolicy
}

// headerRoundTripper injects the configured extra headers into every request.
type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	return rt.next.RoundTrip(req)
}

// NewPrometheusSource creates a Prometheus adapter. limiter may be nil to
// disable client-side rate limiting.
func NewPrometheusSource(cfg PrometheusConfig, logger log.Logger, limiter *rate.Limiter) (*PrometheusSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("prometheus source requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	var rt http.RoundTripper = api.DefaultRoundTripper
	if len(cfg.Headers) > 0 {
		rt = &headerRoundTripper{headers: cfg.Headers, next: rt}
	}

	client, err := api.NewClient(api.Config{Address: cfg.URL, RoundTripper: rt})
	if err != nil {
		return nil, fmt.Errorf("error creating prometheus client: %w", err)
	}

	return &PrometheusSource{
		cfg:     cfg,
		api:     v1.NewAPI(client),
		logger:  logger,
		limiter: limiter,
		retry:   DefaultRetryPolicy(),
	}, nil
}

// Name implements DataSource.
func (s *PrometheusSource) Name() string {
	return "prometheus@" + s.cfg.URL
}

// ListMetrics returns all metric names seen by the backend over the last
// day, via the __name__ label values endpoint.
func (s *PrometheusSource) ListMetrics(ctx context.Context) ([]string, error) {
	var names model.LabelValues
	end := time.Now().UTC()
	err := s.retry.Do(ctx, s.logger, "list metrics", func() error {
		if err := s.wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		vals, warns, err := s.api.LabelValues(cctx, model.MetricNameLabel, nil, end.Add(-metricNameListWindow), end)
		if err != nil {
			return s.classify("label values", err)
		}
		s.logWarnings(warns)
		names = vals
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, string(n))
	}
	return out, nil
}

// QueryRange implements DataSource.
func (s *PrometheusSource) QueryRange(ctx context.Context, metric string, window TimeWindow, hints QueryHints) (SampleIterator, error) {
	if metric == "" {
		return nil, fmt.Errorf("metric name must not be empty")
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	windows := window.Split(hints.MaxSubWindow())

	fetch := func(ctx context.Context, w TimeWindow) ([]RawSample, error) {
		if functionQueryPattern.MatchString(metric) {
			return s.fetchExpression(ctx, metric, w, hints)
		}
		return s.fetchRaw(ctx, metric, w, hints)
	}
	return newChunkIterator(ctx, windows, fetch), nil
}

// fetchRaw recovers native-resolution samples for a plain metric name with a
// range-vector selector evaluated at the sub-window end. Range selectors are
// (end-span, end]; the span is widened by one native step so a sample sitting
// exactly on the sub-window start is included, then the result is filtered
// back to the half-open [start, end).
func (s *PrometheusSource) fetchRaw(ctx context.Context, metric string, w TimeWindow, hints QueryHints) ([]RawSample, error) {
	step := hints.NativeStep
	if step <= 0 {
		step = 15 * time.Second
	}
	span := w.Duration() + step
	query := fmt.Sprintf("%s[%ds]", metric, int(span.Seconds()))

	var matrix model.Matrix
	op := fmt.Sprintf("query %s @ %s", query, w.End.Format(time.RFC3339))
	err := s.retry.Do(ctx, s.logger, op, func() error {
		if err := s.wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		val, warns, err := s.api.Query(cctx, query, w.End)
		if err != nil {
			return s.classify("range selector query", err)
		}
		s.logWarnings(warns)
		m, ok := val.(model.Matrix)
		if !ok {
			return &BackendError{Op: "range selector query", Err: fmt.Errorf("unexpected result type %s", val.Type())}
		}
		matrix = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matrixSamples(matrix, w), nil
}

// fetchExpression handles function queries via query_range at the native
// step, matching how the backend evaluates expressions over time.
func (s *PrometheusSource) fetchExpression(ctx context.Context, expr string, w TimeWindow, hints QueryHints) ([]RawSample, error) {
	step := hints.NativeStep
	if step <= 0 {
		step = time.Second
	}

	var matrix model.Matrix
	err := s.retry.Do(ctx, s.logger, "expression query "+expr, func() error {
		if err := s.wait(ctx); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		val, warns, err := s.api.QueryRange(cctx, expr, v1.Range{Start: w.Start, End: w.End, Step: step})
		if err != nil {
			return s.classify("expression query", err)
		}
		s.logWarnings(warns)
		m, ok := val.(model.Matrix)
		if !ok {
			return &BackendError{Op: "expression query", Err: fmt.Errorf("unexpected result type %s", val.Type())}
		}
		matrix = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matrixSamples(matrix, w), nil
}

// EarliestTimestamp narrows down the first available sample by repeated
// coarse-step range probes: each round evaluates at most a few hundred
// points, then the search interval shrinks to just before the first point
// found. The final round fetches raw samples to pin the exact timestamp.
func (s *PrometheusSource) EarliestTimestamp(ctx context.Context, metric string) (time.Time, error) {
	if metric == "" {
		return time.Time{}, fmt.Errorf("metric name must not be empty")
	}

	const probePoints = 240
	lo, hi := promProbeEpoch, time.Now().UTC()
	found := time.Time{}

	for round := 0; hi.Sub(lo) > 6*time.Hour; round++ {
		step := hi.Sub(lo) / probePoints
		if step < time.Minute {
			step = time.Minute
		}

		var matrix model.Matrix
		err := s.retry.Do(ctx, s.logger, "earliest probe "+metric, func() error {
			if err := s.wait(ctx); err != nil {
				return err
			}
			cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
			val, warns, err := s.api.QueryRange(cctx, metric, v1.Range{Start: lo, End: hi, Step: step})
			if err != nil {
				return s.classify("earliest probe", err)
			}
			s.logWarnings(warns)
			m, ok := val.(model.Matrix)
			if !ok {
				return &BackendError{Op: "earliest probe", Err: fmt.Errorf("unexpected result type %s", val.Type())}
			}
			matrix = m
			return nil
		})
		if err != nil {
			return time.Time{}, err
		}

		first, ok := firstEvaluatedTime(matrix)
		if !ok {
			if round == 0 {
				return time.Time{}, fmt.Errorf("%s: %w", metric, ErrNotFound)
			}
			break
		}
		found = first
		// The first evaluated point can trail the first raw sample by up to
		// one probe step plus the server lookback window.
		hi = first
		lo = first.Add(-(step + promLookback))
	}

	// Pin the exact raw timestamp within the narrowed interval.
	span := found.Sub(lo) + promLookback
	raw, err := s.fetchRaw(ctx, metric, TimeWindow{Start: lo, End: found.Add(time.Millisecond)}, QueryHints{NativeStep: span})
	if err != nil {
		return time.Time{}, err
	}
	earliest := found
	for _, smp := range raw {
		if smp.Timestamp.Before(earliest) {
			earliest = smp.Timestamp
		}
	}
	level.Debug(s.logger).Log("msg", "resolved earliest timestamp",
		"metric", metric, "earliest", earliest.Format(time.RFC3339))
	return earliest, nil
}

// matrixSamples flattens a matrix into RawSamples filtered to [w.Start, w.End).
func matrixSamples(matrix model.Matrix, w TimeWindow) []RawSample {
	var out []RawSample
	for _, stream := range matrix {
		lbls := make(map[string]string, len(stream.Metric))
		for k, v := range stream.Metric {
			if k == model.MetricNameLabel {
				continue
			}
			lbls[string(k)] = string(v)
		}
		for _, pair := range stream.Values {
			ts := pair.Timestamp.Time()
			if ts.Before(w.Start) || !ts.Before(w.End) {
				continue
			}
			out = append(out, RawSample{
				Timestamp: ts,
				Value:     float64(pair.Value),
				Labels:    lbls,
			})
		}
	}
	return out
}

// firstEvaluatedTime returns the earliest timestamp across all streams.
func firstEvaluatedTime(matrix model.Matrix) (time.Time, bool) {
	var first time.Time
	for _, stream := range matrix {
		if len(stream.Values) == 0 {
			continue
		}
		ts := stream.Values[0].Timestamp.Time()
		if first.IsZero() || ts.Before(first) {
			first = ts
		}
	}
	return first, !first.IsZero()
}

// classify maps Prometheus API failures onto the source error taxonomy.
func (s *PrometheusSource) classify(op string, err error) error {
	var apiErr *v1.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case v1.ErrTimeout, v1.ErrCanceled:
			return context.DeadlineExceeded
		case v1.ErrClient:
			if strings.Contains(apiErr.Msg, "429") || strings.Contains(strings.ToLower(apiErr.Msg), "too many requests") {
				return &RateLimitedError{}
			}
		}
		return &BackendError{Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

func (s *PrometheusSource) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

func (s *PrometheusSource) logWarnings(warns v1.Warnings) {
	for _, w := range warns {
		level.Warn(s.logger).Log("msg", "prometheus query warning", "warning", w)
	}
}
