package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
)

func TestTimeWindowSplit(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w := TimeWindow{Start: start, End: start.Add(10 * time.Minute)}

	parts := w.Split(4 * time.Minute)
	if len(parts) != 3 {
		t.Fatalf("expected 3 sub-windows, got %d", len(parts))
	}

	// Sub-windows must abut exactly and cover the whole range.
	if !parts[0].Start.Equal(w.Start) {
		t.Errorf("first sub-window must start at the window start")
	}
	for i := 1; i < len(parts); i++ {
		if !parts[i].Start.Equal(parts[i-1].End) {
			t.Errorf("sub-windows %d and %d do not abut: %v vs %v", i-1, i, parts[i-1].End, parts[i].Start)
		}
	}
	if !parts[len(parts)-1].End.Equal(w.End) {
		t.Errorf("last sub-window must end at the window end")
	}
	if got := parts[2].Duration(); got != 2*time.Minute {
		t.Errorf("trailing sub-window should be the 2m remainder, got %v", got)
	}
}

func TestTimeWindowSplitNoOp(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w := TimeWindow{Start: start, End: start.Add(time.Minute)}

	if parts := w.Split(time.Hour); len(parts) != 1 || parts[0] != w {
		t.Errorf("window smaller than max should split into itself, got %v", parts)
	}
	if parts := w.Split(0); len(parts) != 1 || parts[0] != w {
		t.Errorf("non-positive max should split into itself, got %v", parts)
	}
}

func TestTimeWindowValidate(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := (TimeWindow{}).Validate(); err != nil {
		t.Errorf("zero window is the all-history sentinel and must validate: %v", err)
	}
	if err := (TimeWindow{Start: start}).Validate(); err != nil {
		t.Errorf("partially bounded window must validate: %v", err)
	}
	if err := (TimeWindow{Start: start, End: start}).Validate(); err == nil {
		t.Errorf("empty window must not validate")
	}
	if err := (TimeWindow{Start: start.Add(time.Hour), End: start}).Validate(); err == nil {
		t.Errorf("inverted window must not validate")
	}
}

func TestQueryHintsMaxSubWindow(t *testing.T) {
	h := QueryHints{MaxPointsPerRequest: 100, NativeStep: time.Second}
	if got := h.MaxSubWindow(); got != 100*time.Second {
		t.Errorf("expected 100s, got %v", got)
	}

	// Zero hints fall back to defaults: 11000 points at 15s.
	if got := (QueryHints{}).MaxSubWindow(); got != 11000*15*time.Second {
		t.Errorf("expected default sub-window, got %v", got)
	}
}

func TestRetryPolicyRetriesTransient(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), log.NewNopLogger(), "test op", func() error {
		calls++
		if calls < 3 {
			return &RateLimitedError{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryPolicyPermanentFailsFast(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, InitialInterval: time.Millisecond}

	permanent := errors.New("unauthorized")
	calls := 0
	err := policy.Do(context.Background(), log.NewNopLogger(), "test op", func() error {
		calls++
		return &BackendError{Op: "test op", Err: permanent}
	})
	if calls != 1 {
		t.Errorf("non-transient failure must not be retried, got %d attempts", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("expected the permanent error to surface, got %v", err)
	}
}

func TestRetryPolicyExhaustionEscalates(t *testing.T) {
	policy := RetryPolicy{Attempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	calls := 0
	err := policy.Do(context.Background(), log.NewNopLogger(), "test op", func() error {
		calls++
		return &RateLimitedError{}
	})
	if calls != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", calls)
	}
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("exhausted retries must escalate to BackendError, got %T: %v", err, err)
	}
	if be.Op != "test op" {
		t.Errorf("expected op %q, got %q", "test op", be.Op)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&RateLimitedError{}) {
		t.Errorf("rate limiting is transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Errorf("timeouts are transient")
	}
	if IsTransient(ErrNotFound) {
		t.Errorf("not-found is terminal")
	}
	if IsTransient(&BackendError{Op: "q", Err: errors.New("boom")}) {
		t.Errorf("generic backend errors are terminal")
	}
}

func TestChunkIteratorStopsOnContextCancel(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	windows := TimeWindow{Start: start, End: start.Add(time.Hour)}.Split(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	fetched := 0
	it := newChunkIterator(ctx, windows, func(ctx context.Context, w TimeWindow) ([]RawSample, error) {
		fetched++
		if fetched == 2 {
			cancel()
		}
		return nil, nil
	})

	for it.Next() {
	}
	if fetched != 2 {
		t.Errorf("iteration should stop after cancellation, got %d fetches", fetched)
	}
	if !errors.Is(it.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", it.Err())
	}
}
