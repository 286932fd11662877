package output

import (
	"os"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"metrex/table"
)

func writeParquet(tbl *table.Table, dest string) error {
	at, err := tbl.ArrowTable(memory.DefaultAllocator)
	if err != nil {
		return err
	}
	defer at.Release()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	chunkSize := at.NumRows()
	if chunkSize == 0 {
		chunkSize = 1
	}
	if err := pqarrow.WriteTable(at, f, chunkSize, props, pqarrow.DefaultWriterProps()); err != nil {
		return err
	}
	return f.Close()
}
