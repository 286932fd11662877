package output

import (
	"os"

	arrowcsv "github.com/apache/arrow/go/v17/arrow/csv"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"metrex/table"
)

func writeCSV(tbl *table.Table, dest string) error {
	rec, err := tbl.ArrowRecord(memory.DefaultAllocator)
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	w := arrowcsv.NewWriter(f, rec.Schema(),
		arrowcsv.WithHeader(true),
		arrowcsv.WithNullWriter(""))
	if err := w.Write(rec); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
