// Package table holds the rectangular form of extracted metrics: one row per
// unique timestamp, one nullable value column per observed series.
package table

import (
	"sort"
	"time"

	"github.com/prometheus/prometheus/model/labels"

	"metrex/source"
)

// SeriesKey returns the canonical, order-independent string form of a label
// set, e.g. `{instance="a", job="b"}`. Distinct series within one metric are
// detected and grouped by this key.
func SeriesKey(lbls map[string]string) string {
	return labels.FromMap(lbls).String()
}

// Column is one series' values, aligned with the table's timestamps. A false
// Valid entry means the series had no observation at that timestamp.
type Column struct {
	Key    string
	Labels map[string]string
	Values []float64
	Valid  []bool
}

// Table is an ordered sequence of rows keyed by timestamp. Invariants:
// timestamps are strictly increasing and unique; columns keep the order in
// which their series was first observed; a column added mid-extraction is
// backfilled with nulls for earlier rows.
type Table struct {
	Metric string

	timestamps []time.Time
	columns    []*Column
	byKey      map[string]int
	byTime     map[int64]int
}

// New returns an empty table for the named metric. An empty table with zero
// columns is a valid result for a metric with no data in range.
func New(metric string) *Table {
	return &Table{
		Metric: metric,
		byKey:  make(map[string]int),
		byTime: make(map[int64]int),
	}
}

// NumRows returns the number of distinct timestamps.
func (t *Table) NumRows() int { return len(t.timestamps) }

// NumSeries returns the number of distinct series columns.
func (t *Table) NumSeries() int { return len(t.columns) }

// Timestamps returns the row timestamps in table order.
func (t *Table) Timestamps() []time.Time { return t.timestamps }

// Columns returns the series columns in first-observed order.
func (t *Table) Columns() []*Column { return t.columns }

// Value returns the cell at (row, col) and whether it is non-null.
func (t *Table) Value(row, col int) (float64, bool) {
	c := t.columns[col]
	return c.Values[row], c.Valid[row]
}

// set inserts or updates the cell for (ts, key), creating the row and column
// as needed. It reports whether an existing non-null value was overwritten,
// which indicates abutting sub-windows both produced the boundary sample.
func (t *Table) set(ts time.Time, key string, lbls map[string]string, value float64) bool {
	col, ok := t.byKey[key]
	if !ok {
		col = len(t.columns)
		t.byKey[key] = col
		c := &Column{
			Key:    key,
			Labels: copyLabels(lbls),
			Values: make([]float64, len(t.timestamps)),
			Valid:  make([]bool, len(t.timestamps)),
		}
		t.columns = append(t.columns, c)
	}

	nanos := ts.UnixNano()
	row, ok := t.byTime[nanos]
	if !ok {
		row = len(t.timestamps)
		t.byTime[nanos] = row
		t.timestamps = append(t.timestamps, ts)
		for _, c := range t.columns {
			c.Values = append(c.Values, 0)
			c.Valid = append(c.Valid, false)
		}
	}

	c := t.columns[col]
	overwrote := c.Valid[row]
	c.Values[row] = value
	c.Valid[row] = true
	return overwrote
}

// sortByTime restores the strictly-increasing timestamp order after chunks
// arrived out of global time order.
func (t *Table) sortByTime() {
	if sort.SliceIsSorted(t.timestamps, func(i, j int) bool {
		return t.timestamps[i].Before(t.timestamps[j])
	}) {
		return
	}

	perm := make([]int, len(t.timestamps))
	for i := range perm {
		perm[i] = i
	}
	sort.Slice(perm, func(i, j int) bool {
		return t.timestamps[perm[i]].Before(t.timestamps[perm[j]])
	})

	ts := make([]time.Time, len(t.timestamps))
	for i, p := range perm {
		ts[i] = t.timestamps[p]
	}
	t.timestamps = ts

	for _, c := range t.columns {
		values := make([]float64, len(c.Values))
		valid := make([]bool, len(c.Valid))
		for i, p := range perm {
			values[i] = c.Values[p]
			valid[i] = c.Valid[p]
		}
		c.Values = values
		c.Valid = valid
	}

	for i, tm := range t.timestamps {
		t.byTime[tm.UnixNano()] = i
	}
}

// Equal reports whether two tables hold identical timestamps, columns, and
// cells, including null positions.
func (t *Table) Equal(o *Table) bool {
	if t.NumRows() != o.NumRows() || t.NumSeries() != o.NumSeries() {
		return false
	}
	for i, ts := range t.timestamps {
		if !ts.Equal(o.timestamps[i]) {
			return false
		}
	}
	for i, c := range t.columns {
		oc := o.columns[i]
		if c.Key != oc.Key {
			return false
		}
		for r := range c.Values {
			if c.Valid[r] != oc.Valid[r] {
				return false
			}
			if c.Valid[r] && c.Values[r] != oc.Values[r] && !(isNaN(c.Values[r]) && isNaN(oc.Values[r])) {
				return false
			}
		}
	}
	return true
}

// Combine reconciles per-metric tables into one. Timestamps are unioned and
// every series key is prefixed with its metric name, since two metrics may
// produce identical label combinations. order fixes deterministic column
// ordering; metrics missing from tables are skipped.
func Combine(tables map[string]*Table, order []string) *Table {
	combined := New("")
	for _, metric := range order {
		t, ok := tables[metric]
		if !ok {
			continue
		}
		for _, c := range t.columns {
			key := metric + c.Key
			for row, ts := range t.timestamps {
				if c.Valid[row] {
					combined.set(ts, key, c.Labels, c.Values[row])
				}
			}
		}
	}
	combined.sortByTime()
	return combined
}

func copyLabels(lbls map[string]string) map[string]string {
	out := make(map[string]string, len(lbls))
	for k, v := range lbls {
		out[k] = v
	}
	return out
}

func isNaN(f float64) bool { return f != f }

// Samples is a convenience for tests and the cache: it flattens the table
// back into raw samples in row-major order.
func (t *Table) Samples() []source.RawSample {
	var out []source.RawSample
	for row, ts := range t.timestamps {
		for _, c := range t.columns {
			if c.Valid[row] {
				out = append(out, source.RawSample{Timestamp: ts, Value: c.Values[row], Labels: c.Labels})
			}
		}
	}
	return out
}
