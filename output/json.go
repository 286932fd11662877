package output

import (
	"encoding/json"
	"math"
	"os"
	"time"

	"metrex/table"
)

// writeJSON emits one object per row with the timestamp and every series
// column; null cells stay explicit nulls so sparse series survive a round
// trip.
func writeJSON(tbl *table.Table, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	records := make([]map[string]interface{}, 0, tbl.NumRows())
	for row, ts := range tbl.Timestamps() {
		rec := make(map[string]interface{}, 1+tbl.NumSeries())
		rec["timestamp"] = ts.UTC().Format(time.RFC3339Nano)
		for col, c := range tbl.Columns() {
			// NaN (e.g. staleness markers) has no JSON encoding; emit null.
			if v, ok := tbl.Value(row, col); ok && !math.IsNaN(v) {
				rec[c.Key] = v
			} else {
				rec[c.Key] = nil
			}
		}
		records = append(records, rec)
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(records); err != nil {
		return err
	}
	return f.Close()
}
