// Package sensorlog reads and writes the per-session sensor CSV log.
//
// The first row is a header: "Time" followed by the field names. Every
// following row is a UTC timestamp in TimeLayout followed by one value per
// field. TimeLayout is fixed-width, so rows sort lexically in capture order.
package sensorlog

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/verte-zerg/rigtrace/internal/model"
)

// TimeLayout is the timestamp format of the first column, always in UTC.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// localTimeLayout is the zoneless local format of older logs.
const localTimeLayout = "2006-01-02 15:04:05.000000"

// TimeColumn is the header name of the timestamp column.
const TimeColumn = "Time"

const flushEvery = 64

// Writer appends sensor records to a log file. It is not safe for
// concurrent use; the ingesting goroutine owns it during a run.
type Writer struct {
	file   *os.File
	buf    *bufio.Writer
	csv    *csv.Writer
	fields []string
	header bool
	rows   int
	last   time.Time
}

// Create opens path for appending, creating it if needed. fields may be nil
// when the schema is only known after the first line.
func Create(path string, fields []string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open sensor log: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &Writer{
		file:   f,
		buf:    buf,
		csv:    csv.NewWriter(buf),
		fields: slices.Clone(fields),
	}, nil
}

// WriteHeader writes the header row once. Calling it again with the same
// fields is a no-op; a different schema is an error.
func (w *Writer) WriteHeader(fields []string) error {
	if w.header {
		if !slices.Equal(w.fields, fields) {
			return fmt.Errorf("schema already fixed as %v", w.fields)
		}
		return nil
	}
	if len(fields) == 0 {
		return errors.New("empty schema")
	}
	w.fields = slices.Clone(fields)
	if err := w.csv.Write(append([]string{TimeColumn}, w.fields...)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	w.header = true
	return nil
}

// Append writes one record. Values must match the header width.
func (w *Writer) Append(rec model.SensorRecord) error {
	if !w.header {
		if err := w.WriteHeader(w.fields); err != nil {
			return err
		}
	}
	if len(rec.Values) != len(w.fields) {
		return fmt.Errorf("record has %d values, schema has %d", len(rec.Values), len(w.fields))
	}
	ts := rec.Timestamp
	if ts.Before(w.last) {
		ts = w.last
	}
	row := make([]string, 0, len(rec.Values)+1)
	row = append(row, ts.UTC().Format(TimeLayout))
	for _, v := range rec.Values {
		row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	w.last = ts
	w.rows++
	if w.rows%flushEvery == 0 {
		return w.Flush()
	}
	return nil
}

// Rows returns the number of records appended through this writer.
func (w *Writer) Rows() int {
	return w.rows
}

// Flush pushes buffered rows to the file.
func (w *Writer) Flush() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("failed to flush sensor log: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush sensor log: %w", err)
	}
	return nil
}

// Close writes a header if none was written and the schema is known, then
// flushes, syncs and closes the file.
func (w *Writer) Close() error {
	var errs []error
	if !w.header && len(w.fields) > 0 {
		errs = append(errs, w.WriteHeader(w.fields))
	}
	errs = append(errs, w.Flush())
	if err := w.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync sensor log: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sensor log: %w", err))
	}
	return errors.Join(errs...)
}

// Log is the parsed content of a sensor log.
type Log struct {
	Fields  []string
	Records []model.SensorRecord
	// Skipped counts rows that could not be parsed.
	Skipped int
}

// Read parses a sensor log. Rows with a bad timestamp, a wrong width or a
// non-numeric value are skipped and counted. A missing file yields an empty
// log.
func Read(path string) (Log, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Log{}, nil
		}
		return Log{}, fmt.Errorf("failed to open sensor log: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			// Best-effort close for read-only log.
			_ = cerr
		}
	}()
	return Parse(f)
}

// Parse reads a sensor log from r.
func Parse(r io.Reader) (Log, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var out Log
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				out.Skipped++
				continue
			}
			return out, fmt.Errorf("failed to read sensor log: %w", err)
		}
		if out.Fields == nil {
			if len(row) < 2 || row[0] != TimeColumn {
				return out, fmt.Errorf("sensor log has no header")
			}
			out.Fields = slices.Clone(row[1:])
			continue
		}
		rec, ok := parseRow(row, len(out.Fields))
		if !ok {
			out.Skipped++
			continue
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

func parseRow(row []string, width int) (model.SensorRecord, bool) {
	if len(row) != width+1 {
		return model.SensorRecord{}, false
	}
	ts, err := ParseTime(row[0])
	if err != nil {
		return model.SensorRecord{}, false
	}
	values := make([]float64, width)
	for i, cell := range row[1:] {
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return model.SensorRecord{}, false
		}
		values[i] = v
	}
	return model.SensorRecord{Timestamp: ts, Values: values}, true
}

// ParseTime parses a timestamp cell and returns it in local time. Zoneless
// cells from older logs are read as local wall time.
func ParseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(TimeLayout, s); err == nil {
		return ts.Local(), nil
	}
	if ts, err := time.ParseInLocation(localTimeLayout, s, time.Local); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
