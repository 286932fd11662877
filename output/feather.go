package output

import (
	"os"

	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"metrex/table"
)

// Feather v2 is the Arrow IPC file format, so the writer is a plain IPC
// file writer over a single record.
func writeFeather(tbl *table.Table, dest string) error {
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

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return err
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.Close()
}
