package table

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"metrex/source"
)

// Normalizer folds raw sample chunks into a metric's table. Merging is
// associative and commutative over distinct timestamps and tolerates chunks
// arriving out of global time order; the returned table is always sorted by
// timestamp. Mutation of one metric's table must stay single-writer.
type Normalizer struct {
	logger log.Logger
}

// NewNormalizer creates a normalizer that logs boundary-overwrite warnings
// through logger.
func NewNormalizer(logger log.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Merge folds chunk into existing and returns the table. A nil existing
// starts a fresh table for metric. An empty chunk returns existing
// unchanged. When a sample lands on a (timestamp, series) cell that already
// holds a value, the later-arriving value wins and a warning is logged:
// abutting sub-windows should never both contain the boundary sample, so a
// duplicate points at an inclusive/exclusive boundary bug upstream.
func (n *Normalizer) Merge(existing *Table, metric string, chunk []source.RawSample) *Table {
	t := existing
	if t == nil {
		t = New(metric)
	}
	if len(chunk) == 0 {
		return t
	}

	for _, s := range chunk {
		key := SeriesKey(s.Labels)
		if t.set(s.Timestamp, key, s.Labels, s.Value) {
			level.Warn(n.logger).Log("msg", "duplicate sample at sub-window boundary, later chunk wins",
				"metric", metric,
				"series", key,
				"timestamp", s.Timestamp.Format(time.RFC3339Nano))
		}
	}
	t.sortByTime()
	return t
}
