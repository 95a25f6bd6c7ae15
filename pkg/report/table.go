package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ethpandaops/energyoor/pkg/fsutil"
)

// Header is the column header of a run-record table.
var Header = []string{"Run", "Energy (J)", "Time (sec)"}

// Record is one successfully measured run.
type Record struct {
	Run             int     `json:"run"`
	EnergyJoules    float64 `json:"energy_joules"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// NewRecord builds a validated record from a measurement.
func NewRecord(run int, m Measurement) (Record, error) {
	r := Record{Run: run, EnergyJoules: m.EnergyJoules, DurationSeconds: m.DurationSeconds}

	return r, r.Validate()
}

// Validate checks the record invariants.
func (r Record) Validate() error {
	if r.Run < 0 {
		return fmt.Errorf("run index %d is negative", r.Run)
	}

	if math.IsNaN(r.EnergyJoules) || r.EnergyJoules < 0 {
		return fmt.Errorf("run %d: invalid energy %v", r.Run, r.EnergyJoules)
	}

	if math.IsNaN(r.DurationSeconds) || r.DurationSeconds < 0 {
		return fmt.Errorf("run %d: invalid duration %v", r.Run, r.DurationSeconds)
	}

	return nil
}

func (r Record) row() []string {
	return []string{
		strconv.Itoa(r.Run),
		formatFloat(r.EnergyJoules),
		formatFloat(r.DurationSeconds),
	}
}

// Appender accepts records in run order.
type Appender interface {
	Append(r Record) error
}

// Table is an in-memory append-only list of records.
type Table struct {
	mu      sync.Mutex
	records []Record
}

var _ Appender = (*Table)(nil)

// Append adds a record. Records with a run index already present are kept.
func (t *Table) Append(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, r)

	return nil
}

// Records returns a copy of the records in insertion order.
func (t *Table) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, len(t.records))
	copy(out, t.records)

	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.records)
}

// TableWriter persists records to a CSV file, one durable row per Append.
type TableWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *csv.Writer
}

var _ Appender = (*TableWriter)(nil)

// CreateTable truncates or creates the table at path and writes the header.
func CreateTable(path string, owner *fsutil.OwnerConfig) (*TableWriter, error) {
	f, err := fsutil.Create(path, owner)
	if err != nil {
		return nil, fmt.Errorf("creating table %s: %w", path, err)
	}

	tw := &TableWriter{path: path, f: f, w: csv.NewWriter(f)}

	if err := tw.writeRow(Header); err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("writing table header: %w", err)
	}

	return tw, nil
}

// Path returns the table file path.
func (tw *TableWriter) Path() string {
	return tw.path
}

// Append writes one row and syncs it to disk before returning.
func (tw *TableWriter) Append(r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.f == nil {
		return errors.New("table writer is closed")
	}

	if err := tw.writeRow(r.row()); err != nil {
		return fmt.Errorf("appending run %d to %s: %w", r.Run, tw.path, err)
	}

	return nil
}

func (tw *TableWriter) writeRow(row []string) error {
	if err := tw.w.Write(row); err != nil {
		return err
	}

	tw.w.Flush()

	if err := tw.w.Error(); err != nil {
		return err
	}

	return tw.f.Sync()
}

// Close closes the underlying file.
func (tw *TableWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.f == nil {
		return nil
	}

	err := tw.f.Close()
	tw.f = nil

	return err
}

// WriteTable writes a complete table in one go.
func WriteTable(path string, records []Record, owner *fsutil.OwnerConfig) error {
	tw, err := CreateTable(path, owner)
	if err != nil {
		return err
	}

	for _, r := range records {
		if err := tw.Append(r); err != nil {
			_ = tw.Close()

			return err
		}
	}

	return tw.Close()
}

// ReadTable reads a table written by TableWriter. A leading header row is
// skipped. Tables written with spaces after the commas are accepted.
func ReadTable(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening table: %w", err)
	}
	defer f.Close()

	records, err := DecodeTable(f)
	if err != nil {
		return nil, fmt.Errorf("reading table %s: %w", path, err)
	}

	return records, nil
}

// DecodeTable parses CSV rows from r.
func DecodeTable(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	var (
		records []Record
		line    int
	)

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		line++

		if line == 1 && isHeader(row) {
			continue
		}

		rec, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		records = append(records, rec)
	}

	return records, nil
}

func isHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}

	_, err := strconv.Atoi(strings.TrimSpace(row[0]))

	return err != nil
}

func parseRow(row []string) (Record, error) {
	if len(row) != len(Header) {
		return Record{}, fmt.Errorf("expected %d fields, got %d", len(Header), len(row))
	}

	run, err := strconv.Atoi(strings.TrimSpace(row[0]))
	if err != nil {
		return Record{}, fmt.Errorf("parsing run index: %w", err)
	}

	energy, err := strconv.ParseFloat(strings.TrimSpace(row[1]), 64)
	if err != nil {
		return Record{}, fmt.Errorf("parsing energy: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return Record{}, fmt.Errorf("parsing duration: %w", err)
	}

	rec := Record{Run: run, EnergyJoules: energy, DurationSeconds: duration}

	return rec, rec.Validate()
}
