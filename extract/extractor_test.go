package extract

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"

	"metrex/source"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSource serves canned per-metric chunks and records probe calls.
type fakeSource struct {
	chunks   map[string][][]source.RawSample
	earliest map[string]time.Time
	queryErr map[string]error

	probes atomic.Int64
}

func (f *fakeSource) Name() string { return "fake@test" }

func (f *fakeSource) ListMetrics(ctx context.Context) ([]string, error) {
	var out []string
	for m := range f.chunks {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeSource) QueryRange(ctx context.Context, metric string, window source.TimeWindow, hints source.QueryHints) (source.SampleIterator, error) {
	if err := f.queryErr[metric]; err != nil {
		return nil, err
	}
	return &fakeIterator{chunks: f.chunks[metric]}, nil
}

func (f *fakeSource) EarliestTimestamp(ctx context.Context, metric string) (time.Time, error) {
	f.probes.Add(1)
	ts, ok := f.earliest[metric]
	if !ok {
		return time.Time{}, fmt.Errorf("%s: %w", metric, source.ErrNotFound)
	}
	return ts, nil
}

type fakeIterator struct {
	chunks [][]source.RawSample
	pos    int
}

func (it *fakeIterator) Next() bool {
	if it.pos >= len(it.chunks) {
		return false
	}
	it.pos++
	return true
}

func (it *fakeIterator) Chunk() []source.RawSample { return it.chunks[it.pos-1] }
func (it *fakeIterator) Err() error                { return nil }

func chunk(offsets []time.Duration, lbls map[string]string) []source.RawSample {
	out := make([]source.RawSample, len(offsets))
	for i, off := range offsets {
		out[i] = source.RawSample{Timestamp: testBase.Add(off), Value: float64(i), Labels: lbls}
	}
	return out
}

func boundedWindow() source.TimeWindow {
	return source.TimeWindow{Start: testBase, End: testBase.Add(time.Hour)}
}

func TestExtractMultipleMetrics(t *testing.T) {
	src := &fakeSource{
		chunks: map[string][][]source.RawSample{
			"cpu": {chunk([]time.Duration{0, 15 * time.Second}, map[string]string{"job": "api"})},
			"mem": {
				chunk([]time.Duration{0}, nil),
				chunk([]time.Duration{30 * time.Second}, nil),
			},
		},
		earliest: map[string]time.Time{"cpu": testBase, "mem": testBase},
	}

	ex := New(log.NewNopLogger(), 2)
	res, err := ex.Extract(t.Context(), src, []string{"cpu", "mem"}, Options{Window: boundedWindow()})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	for _, m := range []string{"cpu", "mem"} {
		if res.Status[m].State != StateOK {
			t.Errorf("metric %s should be ok, got %+v", m, res.Status[m])
		}
	}
	if res.Tables["cpu"].NumRows() != 2 || res.Tables["mem"].NumRows() != 2 {
		t.Errorf("unexpected row counts: cpu=%d mem=%d",
			res.Tables["cpu"].NumRows(), res.Tables["mem"].NumRows())
	}
}

func TestExtractIsolatesNotFound(t *testing.T) {
	// One missing metric must not disturb the others: the batch still
	// succeeds, the missing metric is reported not_found with no table.
	src := &fakeSource{
		chunks:   map[string][][]source.RawSample{"cpu": {chunk([]time.Duration{0}, nil)}},
		earliest: map[string]time.Time{"cpu": testBase},
	}

	ex := New(log.NewNopLogger(), 2)
	res, err := ex.Extract(t.Context(), src, []string{"cpu", "ghost"}, Options{Window: boundedWindow()})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if res.Status["cpu"].State != StateOK {
		t.Errorf("cpu should be ok, got %+v", res.Status["cpu"])
	}
	if res.Status["ghost"].State != StateNotFound {
		t.Errorf("ghost should be not_found, got %+v", res.Status["ghost"])
	}
	if _, ok := res.Tables["ghost"]; ok {
		t.Errorf("not_found metric must not produce a table")
	}
	if got := res.Failed(); len(got) != 1 || got[0] != "ghost" {
		t.Errorf("expected only ghost to fail, got %v", got)
	}
}

func TestExtractEmptyWindowIsOK(t *testing.T) {
	// The metric exists but simply has no samples in range: ok with an
	// empty table, disambiguated from not_found by one existence probe.
	src := &fakeSource{
		chunks:   map[string][][]source.RawSample{"cpu": {}},
		earliest: map[string]time.Time{"cpu": testBase.Add(-24 * time.Hour)},
	}

	ex := New(log.NewNopLogger(), 1)
	res, err := ex.Extract(t.Context(), src, []string{"cpu"}, Options{Window: boundedWindow()})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if res.Status["cpu"].State != StateOK {
		t.Errorf("empty result for an existing metric should be ok, got %+v", res.Status["cpu"])
	}
	if res.Tables["cpu"].NumRows() != 0 {
		t.Errorf("expected an empty table")
	}
	if src.probes.Load() != 1 {
		t.Errorf("expected exactly one existence probe, got %d", src.probes.Load())
	}
}

func TestExtractAllFailedReturnsError(t *testing.T) {
	src := &fakeSource{
		chunks:   map[string][][]source.RawSample{},
		queryErr: map[string]error{"cpu": &source.BackendError{Op: "q", Err: errors.New("boom")}},
		earliest: map[string]time.Time{"cpu": testBase},
	}

	ex := New(log.NewNopLogger(), 1)
	res, err := ex.Extract(t.Context(), src, []string{"cpu"}, Options{Window: boundedWindow()})
	if err == nil {
		t.Fatalf("expected an error when every metric fails")
	}
	if res == nil || res.Status["cpu"].State != StateFailed {
		t.Errorf("expected a result carrying the failed status, got %+v", res)
	}
}

func TestExtractConfigErrors(t *testing.T) {
	ex := New(log.NewNopLogger(), 1)
	src := &fakeSource{}

	cases := []struct {
		name    string
		metrics []string
		opts    Options
	}{
		{"empty list", nil, Options{Window: boundedWindow()}},
		{"empty name", []string{""}, Options{Window: boundedWindow()}},
		{"duplicate", []string{"cpu", "cpu"}, Options{Window: boundedWindow()}},
		{"inverted window", []string{"cpu"}, Options{Window: source.TimeWindow{Start: testBase, End: testBase.Add(-time.Hour)}}},
	}
	for _, tc := range cases {
		_, err := ex.Extract(t.Context(), src, tc.metrics, tc.opts)
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: expected ConfigError, got %v", tc.name, err)
		}
	}
}

func TestExtractResolvesUnboundedWindow(t *testing.T) {
	// A zero window resolves start from the earliest sample and end from
	// the clock captured at orchestration start.
	src := &fakeSource{
		chunks:   map[string][][]source.RawSample{"cpu": {chunk([]time.Duration{0}, nil)}},
		earliest: map[string]time.Time{"cpu": testBase.Add(-48 * time.Hour)},
	}

	ex := New(log.NewNopLogger(), 1)
	res, err := ex.Extract(t.Context(), src, []string{"cpu"}, Options{})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if res.Status["cpu"].State != StateOK {
		t.Errorf("expected ok, got %+v", res.Status["cpu"])
	}
	if src.probes.Load() == 0 {
		t.Errorf("unbounded start must be resolved through an earliest-sample probe")
	}
}

func TestExtractCombined(t *testing.T) {
	src := &fakeSource{
		chunks: map[string][][]source.RawSample{
			"cpu": {chunk([]time.Duration{0}, map[string]string{"host": "a"})},
			"mem": {chunk([]time.Duration{0}, map[string]string{"host": "a"})},
		},
		earliest: map[string]time.Time{"cpu": testBase, "mem": testBase},
	}

	ex := New(log.NewNopLogger(), 2)
	res, err := ex.Extract(t.Context(), src, []string{"cpu", "mem"}, Options{
		Window:   boundedWindow(),
		Combined: true,
	})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if res.Tables != nil {
		t.Errorf("combined mode must not keep per-metric tables")
	}
	if res.Combined == nil {
		t.Fatalf("combined mode must produce a combined table")
	}
	// Identical label sets stay separate columns thanks to metric prefixing.
	if res.Combined.NumSeries() != 2 {
		t.Errorf("expected 2 combined series, got %d", res.Combined.NumSeries())
	}
}

func TestExtractCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakeSource{
		chunks:   map[string][][]source.RawSample{"cpu": {chunk([]time.Duration{0}, nil)}},
		earliest: map[string]time.Time{"cpu": testBase},
	}

	ex := New(log.NewNopLogger(), 1)
	res, err := ex.Extract(ctx, src, []string{"cpu"}, Options{Window: boundedWindow()})
	if err == nil {
		t.Fatalf("expected an error when nothing could run")
	}
	st := res.Status["cpu"]
	if st.State != StateFailed || !errors.Is(st.Err, context.Canceled) {
		t.Errorf("cancelled metric should be failed with context.Canceled, got %+v", st)
	}
}
