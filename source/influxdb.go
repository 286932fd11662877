package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"golang.org/x/time/rate"
)

// InfluxConfig configures an InfluxDB-style backend connection.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string // optional _measurement filter
	Timeout     time.Duration
}

// InfluxSource extracts raw points through flux queries. Flux ranges are
// natively half-open [start, stop), so sub-windows abut without client-side
// boundary filtering. Metric names map onto field keys.
type InfluxSource struct {
	cfg     InfluxConfig
	client  influxdb2.Client
	query   influxapi.QueryAPI
	logger  log.Logger
	limiter *rate.Limiter
	retry   RetryPolicy
}

// NewInfluxSource creates an InfluxDB adapter. limiter may be nil to disable
// client-side rate limiting.
func NewInfluxSource(cfg InfluxConfig, logger log.Logger, limiter *rate.Limiter) (*InfluxSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influxdb source requires a URL")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influxdb source requires an org and a bucket")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds()))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	return &InfluxSource{
		cfg:     cfg,
		client:  client,
		query:   client.QueryAPI(cfg.Org),
		logger:  logger,
		limiter: limiter,
		retry:   DefaultRetryPolicy(),
	}, nil
}

// Name implements DataSource.
func (s *InfluxSource) Name() string {
	return fmt.Sprintf("influxdb@%s/%s", s.cfg.URL, s.cfg.Bucket)
}

// Close releases the underlying HTTP client resources.
func (s *InfluxSource) Close() {
	s.client.Close()
}

// ListMetrics returns the bucket's field keys.
func (s *InfluxSource) ListMetrics(ctx context.Context) ([]string, error) {
	flux := fmt.Sprintf(`import "influxdata/influxdb/schema"

schema.fieldKeys(bucket: %q, predicate: (r) => true)`, s.cfg.Bucket)

	var metrics []string
	err := s.retry.Do(ctx, s.logger, "list field keys", func() error {
		if err := s.wait(ctx); err != nil {
			return err
		}
		res, err := s.query.Query(ctx, flux)
		if err != nil {
			return s.classify("list field keys", err)
		}
		metrics = metrics[:0]
		for res.Next() {
			if v, ok := res.Record().Value().(string); ok {
				metrics = append(metrics, v)
			}
		}
		if err := res.Err(); err != nil {
			return s.classify("list field keys", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

// QueryRange implements DataSource.
func (s *InfluxSource) QueryRange(ctx context.Context, metric string, window TimeWindow, hints QueryHints) (SampleIterator, error) {
	if metric == "" {
		return nil, fmt.Errorf("metric name must not be empty")
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	windows := window.Split(hints.MaxSubWindow())

	fetch := func(ctx context.Context, w TimeWindow) ([]RawSample, error) {
		return s.fetchWindow(ctx, metric, w)
	}
	return newChunkIterator(ctx, windows, fetch), nil
}

func (s *InfluxSource) fetchWindow(ctx context.Context, metric string, w TimeWindow) ([]RawSample, error) {
	flux := s.rangeQuery(metric, w)

	var samples []RawSample
	op := fmt.Sprintf("flux query %s [%s, %s)", metric,
		w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	err := s.retry.Do(ctx, s.logger, op, func() error {
		if err := s.wait(ctx); err != nil {
			return err
		}
		res, err := s.query.Query(ctx, flux)
		if err != nil {
			return s.classify("flux query", err)
		}
		samples = samples[:0]
		for res.Next() {
			rec := res.Record()
			value, ok := numericValue(rec.Value())
			if !ok {
				level.Warn(s.logger).Log("msg", "skipping non-numeric point",
					"metric", metric, "type", fmt.Sprintf("%T", rec.Value()))
				continue
			}
			samples = append(samples, RawSample{
				Timestamp: rec.Time(),
				Value:     value,
				Labels:    tagLabels(rec.Values()),
			})
		}
		if err := res.Err(); err != nil {
			return s.classify("flux query", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// EarliestTimestamp probes the first point of the field with first().
func (s *InfluxSource) EarliestTimestamp(ctx context.Context, metric string) (time.Time, error) {
	if metric == "" {
		return time.Time{}, fmt.Errorf("metric name must not be empty")
	}
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: 1970-01-01T00:00:00Z)%s
  |> filter(fn: (r) => r._field == %q)
  |> first()`, s.cfg.Bucket, s.measurementFilter(), metric)

	var earliest time.Time
	found := false
	err := s.retry.Do(ctx, s.logger, "earliest probe "+metric, func() error {
		if err := s.wait(ctx); err != nil {
			return err
		}
		res, err := s.query.Query(ctx, flux)
		if err != nil {
			return s.classify("earliest probe", err)
		}
		for res.Next() {
			ts := res.Record().Time()
			if !found || ts.Before(earliest) {
				earliest = ts
				found = true
			}
		}
		if err := res.Err(); err != nil {
			return s.classify("earliest probe", err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return time.Time{}, fmt.Errorf("%s: %w", metric, ErrNotFound)
	}
	return earliest, nil
}

func (s *InfluxSource) rangeQuery(metric string, w TimeWindow) string {
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)%s
  |> filter(fn: (r) => r._field == %q)`,
		s.cfg.Bucket,
		w.Start.UTC().Format(time.RFC3339Nano),
		w.End.UTC().Format(time.RFC3339Nano),
		s.measurementFilter(),
		metric)
}

func (s *InfluxSource) measurementFilter() string {
	if s.cfg.Measurement == "" {
		return ""
	}
	return fmt.Sprintf("\n  |> filter(fn: (r) => r._measurement == %q)", s.cfg.Measurement)
}

// tagLabels keeps tag columns and drops flux-internal fields and the
// result/table bookkeeping columns.
func tagLabels(values map[string]interface{}) map[string]string {
	labels := make(map[string]string)
	for k, v := range values {
		if strings.HasPrefix(k, "_") || k == "result" || k == "table" {
			continue
		}
		if sv, ok := v.(string); ok {
			labels[k] = sv
		}
	}
	return labels
}

func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// classify maps influx client failures onto the source error taxonomy.
func (s *InfluxSource) classify(op string, err error) error {
	var httpErr *influxhttp.Error
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return &RateLimitedError{RetryAfter: time.Duration(httpErr.RetryAfter) * time.Second}
		case httpErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return &BackendError{Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

func (s *InfluxSource) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}
