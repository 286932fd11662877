package output

import (
	"math"
	"strings"

	"gonum.org/v1/hdf5"

	"metrex/table"
)

// writeHDF5 lays the table out hierarchically: a /timestamps dataset of
// millisecond epochs and one float64 dataset per series under /series,
// named by series key. Null cells are stored as NaN, the HDF5 convention
// for missing float data.
func writeHDF5(tbl *table.Table, dest string) error {
	f, err := hdf5.CreateFile(dest, hdf5.F_ACC_TRUNC)
	if err != nil {
		return err
	}
	defer f.Close()

	rows := tbl.NumRows()
	stamps := make([]int64, rows)
	for i, ts := range tbl.Timestamps() {
		stamps[i] = ts.UnixMilli()
	}
	if err := writeInt64Dataset(f, "timestamps", stamps); err != nil {
		return err
	}

	grp, err := f.CreateGroup("series")
	if err != nil {
		return err
	}
	defer grp.Close()

	for col, c := range tbl.Columns() {
		values := make([]float64, rows)
		for row := range values {
			if v, ok := tbl.Value(row, col); ok {
				values[row] = v
			} else {
				values[row] = math.NaN()
			}
		}
		if err := writeFloat64Dataset(grp, datasetName(c.Key), values); err != nil {
			return err
		}
	}
	return nil
}

func writeInt64Dataset(f *hdf5.File, name string, data []int64) error {
	space, err := hdf5.CreateSimpleDataspace([]uint{uint(len(data))}, nil)
	if err != nil {
		return err
	}
	defer space.Close()

	dset, err := f.CreateDataset(name, hdf5.T_NATIVE_INT64, space)
	if err != nil {
		return err
	}
	defer dset.Close()

	if len(data) == 0 {
		return nil
	}
	return dset.Write(&data)
}

func writeFloat64Dataset(g *hdf5.Group, name string, data []float64) error {
	space, err := hdf5.CreateSimpleDataspace([]uint{uint(len(data))}, nil)
	if err != nil {
		return err
	}
	defer space.Close()

	dset, err := g.CreateDataset(name, hdf5.T_NATIVE_DOUBLE, space)
	if err != nil {
		return err
	}
	defer dset.Close()

	if len(data) == 0 {
		return nil
	}
	return dset.Write(&data)
}

// datasetName makes a series key usable as an HDF5 object name; "/" is the
// group separator and must not appear.
func datasetName(key string) string {
	if key == "" || key == "{}" {
		return "value"
	}
	return strings.ReplaceAll(key, "/", "_")
}
