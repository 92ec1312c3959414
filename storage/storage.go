// Package storage persists the transaction table as Arrow IPC snapshots and
// exports scored results as JSON, CSV or Parquet.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowcsv "github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/TFMV/rfm/db"
	"github.com/TFMV/rfm/rfm"
)

// ErrUnsupportedFormat is returned for an unknown export format.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Storage wraps a DB instance to provide Save/Load functionality.
type Storage struct {
	db  *db.DB
	mem memory.Allocator
}

// NewStorage creates a new Storage instance for the given DB.
func NewStorage(database *db.DB) *Storage {
	return &Storage{db: database, mem: db.Pool}
}

// SaveToDisk writes every stored transaction batch to path in the Arrow IPC
// file format. The file is written to a temporary name and renamed, so a
// failed save never truncates an existing snapshot.
func (s *Storage) SaveToDisk(path string) error {
	records := s.db.Records()
	defer db.ReleaseAll(records)

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create file for %q: %w", path, err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	writer, err := ipc.NewFileWriter(tmp, ipc.WithSchema(s.db.GetSchema()), ipc.WithAllocator(s.mem))
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to create Arrow file writer: %w", err)
	}
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			_ = writer.Close()
			_ = tmp.Close()
			return fmt.Errorf("failed to write record to Arrow file: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to finish Arrow file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromDisk reads an Arrow IPC snapshot and ingests its batches into the
// DB synchronously. It returns the number of rows loaded.
func (s *Storage) LoadFromDisk(path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	reader, err := ipc.NewFileReader(file, ipc.WithAllocator(s.mem))
	if err != nil {
		return 0, fmt.Errorf("failed to create Arrow file reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	var rows int64
	for i := 0; i < reader.NumRecords(); i++ {
		rec, err := reader.RecordAt(i)
		if err != nil {
			return rows, fmt.Errorf("failed to read record %d from file: %w", i, err)
		}
		err = s.db.Ingest(rec)
		n := rec.NumRows()
		rec.Release()
		if err != nil {
			return rows, fmt.Errorf("record %d: %w", i, err)
		}
		rows += n
	}
	return rows, nil
}

// Backup saves a timestamped snapshot into dir and returns its path.
func (s *Storage) Backup(dir string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("rfm_snapshot_%s.arrow", at.UTC().Format("20060102_150405")))
	return path, s.SaveToDisk(path)
}

// Restore replaces the DB contents with the snapshot at path.
func (s *Storage) Restore(path string) (int64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	s.db.Reset()
	return s.LoadFromDisk(path)
}

// ---------------------------------------------------------------------
// Result exports
// ---------------------------------------------------------------------

// Format is an export file format.
type Format string

const (
	JSON    Format = "json"
	CSV     Format = "csv"
	Parquet Format = "parquet"
)

// ParseFormat accepts json, csv and parquet in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case JSON, CSV, Parquet:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// ExportName returns a timestamped file name such as
// rfm_results_20230701_120000.csv.
func ExportName(prefix string, f Format, at time.Time) string {
	return fmt.Sprintf("%s_%s.%s", prefix, at.UTC().Format("20060102_150405"), f)
}

// Export writes res to a timestamped file in dir and returns its path.
func Export(dir string, f Format, res *rfm.Result, at time.Time) (string, error) {
	if _, err := ParseFormat(string(f)); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ExportName("rfm_results", f, at))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create file %q: %w", path, err)
	}
	if err := Write(file, f, res); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", err
	}
	return path, file.Close()
}

// Write encodes res to w in format f.
func Write(w io.Writer, f Format, res *rfm.Result) error {
	switch f {
	case JSON:
		return WriteJSON(w, res)
	case CSV:
		return WriteCSV(w, res)
	case Parquet:
		return WriteParquet(w, res)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

type exportRow struct {
	rfm.CustomerRFM
	Code string `json:"rfm_code"`
}

type exportDoc struct {
	RunID         string      `json:"run_id"`
	ReferenceDate string      `json:"reference_date"`
	Customers     []exportRow `json:"customers"`
}

// WriteJSON writes res as an indented JSON document.
func WriteJSON(w io.Writer, res *rfm.Result) error {
	doc := exportDoc{
		RunID:         res.RunID,
		ReferenceDate: res.ReferenceDate.Format("2006-01-02"),
		Customers:     make([]exportRow, len(res.Customers)),
	}
	for i, c := range res.Customers {
		doc.Customers[i] = exportRow{CustomerRFM: c, Code: c.Code()}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteCSV writes res as CSV with a header row, one line per customer.
func WriteCSV(w io.Writer, res *rfm.Result) error {
	rec := res.Record(db.Pool)
	defer rec.Release()

	cw := arrowcsv.NewWriter(w, rec.Schema(), arrowcsv.WithHeader(true))
	if err := cw.Write(rec); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// WriteParquet writes res as a snappy-compressed Parquet file.
func WriteParquet(w io.Writer, res *rfm.Result) error {
	rec := res.Record(db.Pool)
	defer rec.Release()

	tbl := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
	defer tbl.Release()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(db.Pool),
	)
	if err := pqarrow.WriteTable(tbl, w, 64*1024, props, pqarrow.DefaultWriterProps()); err != nil {
		return fmt.Errorf("failed to write parquet: %w", err)
	}
	return nil
}
