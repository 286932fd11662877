// Package output materializes tables into files. The extraction core treats
// each format as an opaque sink; this package is the only place that knows
// about on-disk encodings.
package output

import (
	"fmt"

	"metrex/table"
)

// Format tags the on-disk encoding of a materialized table.
type Format string

const (
	FormatParquet Format = "parquet" // columnar file
	FormatHDF5    Format = "hdf5"    // hierarchical file
	FormatCSV     Format = "csv"     // delimited text
	FormatJSON    Format = "json"    // structured text, one record per row
	FormatFeather Format = "feather" // columnar file (Arrow IPC)
)

// ParseFormat validates a user-supplied format tag.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatParquet, FormatHDF5, FormatCSV, FormatJSON, FormatFeather:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q (supported: parquet, hdf5, csv, json, feather)", s)
	}
}

// Extension returns the conventional file extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatHDF5:
		return ".h5"
	case FormatFeather:
		return ".feather"
	default:
		return "." + string(f)
	}
}

// Write materializes tbl at dest in the given format.
func Write(tbl *table.Table, format Format, dest string) error {
	var err error
	switch format {
	case FormatParquet:
		err = writeParquet(tbl, dest)
	case FormatFeather:
		err = writeFeather(tbl, dest)
	case FormatCSV:
		err = writeCSV(tbl, dest)
	case FormatJSON:
		err = writeJSON(tbl, dest)
	case FormatHDF5:
		err = writeHDF5(tbl, dest)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return fmt.Errorf("error writing %s output to %s: %w", format, dest, err)
	}
	return nil
}
