package cache

import (
	"testing"
	"time"

	"github.com/go-kit/log"

	"metrex/source"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), log.NewNopLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCacheRoundTrip(t *testing.T) {
	c := openTestCache(t)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w := source.TimeWindow{Start: start, End: start.Add(time.Hour)}
	samples := []source.RawSample{
		{Timestamp: start, Value: 1.5, Labels: map[string]string{"host": "a"}},
		{Timestamp: start.Add(15 * time.Second), Value: 2.5, Labels: map[string]string{"host": "a"}},
	}

	if err := c.Put("prometheus@http://x", "cpu", w, samples); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := c.Get("prometheus@http://x", "cpu", w)
	if !ok {
		t.Fatalf("expected a cache hit")
	}
	if len(got) != 2 || got[0].Value != 1.5 || got[1].Labels["host"] != "a" {
		t.Errorf("round trip lost data: %+v", got)
	}
	if !got[0].Timestamp.Equal(start) {
		t.Errorf("timestamp changed in round trip: %v", got[0].Timestamp)
	}
}

func TestCacheMiss(t *testing.T) {
	c := openTestCache(t)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w := source.TimeWindow{Start: start, End: start.Add(time.Hour)}

	if _, ok := c.Get("prometheus@http://x", "cpu", w); ok {
		t.Errorf("expected a miss on an empty cache")
	}
}

func TestCacheKeysDistinguishWindowAndMetric(t *testing.T) {
	c := openTestCache(t)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w1 := source.TimeWindow{Start: start, End: start.Add(time.Hour)}
	w2 := source.TimeWindow{Start: start, End: start.Add(2 * time.Hour)}

	samples := []source.RawSample{{Timestamp: start, Value: 1}}
	if err := c.Put("src", "cpu", w1, samples); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, ok := c.Get("src", "cpu", w2); ok {
		t.Errorf("a different window must not hit the same entry")
	}
	if _, ok := c.Get("src", "mem", w1); ok {
		t.Errorf("a different metric must not hit the same entry")
	}
	if _, ok := c.Get("other", "cpu", w1); ok {
		t.Errorf("a different source must not hit the same entry")
	}
}
