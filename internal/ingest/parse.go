package ingest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/verte-zerg/rigtrace/internal/model"
)

// Delimiter separates fields on a sensor line.
const Delimiter = ","

// Reason classifies why a line was discarded.
type Reason string

const (
	ReasonEmpty      Reason = "empty"
	ReasonEncoding   Reason = "encoding"
	ReasonFieldCount Reason = "field-count"
	ReasonNotNumeric Reason = "not-numeric"
)

// ParseError describes a discarded line. It never leaves the ingestor.
type ParseError struct {
	Reason Reason
	Line   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("discarded line (%s): %q", e.Reason, e.Line)
}

// ParseLine turns one raw line into values for schema. Extra trailing
// fields beyond the schema are ignored. With a zero schema the whole line
// must be numeric and its width becomes the schema.
func ParseLine(raw []byte, schema model.Schema) ([]float64, error) {
	raw = bytes.TrimRight(raw, "\r\n")
	if !utf8.Valid(raw) {
		return nil, &ParseError{Reason: ReasonEncoding, Line: string(raw)}
	}
	line := strings.TrimSpace(string(raw))
	if line == "" {
		return nil, &ParseError{Reason: ReasonEmpty}
	}
	parts := strings.Split(line, Delimiter)
	want := schema.Len()
	if want == 0 {
		want = len(parts)
	}
	if len(parts) < want {
		return nil, &ParseError{Reason: ReasonFieldCount, Line: line}
	}
	values := make([]float64, want)
	for i := 0; i < want; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return nil, &ParseError{Reason: ReasonNotNumeric, Line: line}
		}
		values[i] = v
	}
	return values, nil
}

// InferSchema names n fields f1..fn.
func InferSchema(n int) model.Schema {
	fields := make([]string, n)
	for i := range fields {
		fields[i] = "f" + strconv.Itoa(i+1)
	}
	return model.Schema{Fields: fields}
}
