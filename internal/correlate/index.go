// Package correlate builds a read-only time index over a finished session
// and answers nearest-timestamp queries across its sensor series and frames.
package correlate

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/verte-zerg/rigtrace/internal/framestore"
	"github.com/verte-zerg/rigtrace/internal/model"
	"github.com/verte-zerg/rigtrace/internal/sensorlog"
)

// ErrEmptyIndex is returned by frame queries on a session without frames.
var ErrEmptyIndex = errors.New("no frames recorded")

// Frame is a stored frame positioned on the elapsed axis.
type Frame struct {
	Elapsed float64
	Path    string
}

// Index maps every series and frame onto seconds elapsed since the first
// sensor record, or the first frame when the session has no sensor data.
type Index struct {
	origin time.Time
	fields []string
	times  []float64
	// columns[i] holds the values of fields[i].
	columns [][]float64
	frames  []Frame

	SkippedRows   int
	SkippedFrames int
}

// Build reads a session's sensor log and frame directory.
func Build(sess model.Session) (*Index, error) {
	log, err := sensorlog.Read(sess.SensorLog)
	if err != nil {
		return nil, fmt.Errorf("failed to load sensor log: %w", err)
	}
	frames, skipped, err := framestore.List(sess.FrameDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load frames: %w", err)
	}
	idx := New(log.Fields, log.Records, frames)
	idx.SkippedRows = log.Skipped
	idx.SkippedFrames = skipped
	return idx, nil
}

// New builds an index from records already in memory. Inputs are sorted by
// timestamp; equal timestamps keep their input order.
func New(fields []string, records []model.SensorRecord, frames []model.FrameRecord) *Index {
	records = slices.Clone(records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	frames = slices.Clone(frames)
	sort.SliceStable(frames, func(i, j int) bool {
		return frames[i].Timestamp.Before(frames[j].Timestamp)
	})

	idx := &Index{fields: slices.Clone(fields)}
	switch {
	case len(records) > 0:
		idx.origin = records[0].Timestamp
	case len(frames) > 0:
		idx.origin = frames[0].Timestamp
	}

	idx.columns = make([][]float64, len(fields))
	for i := range idx.columns {
		idx.columns[i] = make([]float64, 0, len(records))
	}
	idx.times = make([]float64, 0, len(records))
	for _, rec := range records {
		if len(rec.Values) < len(fields) {
			idx.SkippedRows++
			continue
		}
		idx.times = append(idx.times, idx.Elapsed(rec.Timestamp))
		for i := range fields {
			idx.columns[i] = append(idx.columns[i], rec.Values[i])
		}
	}
	idx.frames = make([]Frame, 0, len(frames))
	for _, f := range frames {
		idx.frames = append(idx.frames, Frame{Elapsed: idx.Elapsed(f.Timestamp), Path: f.Path})
	}
	return idx
}

// Origin is the instant at elapsed zero.
func (x *Index) Origin() time.Time {
	return x.origin
}

// Elapsed converts an instant to seconds on the index axis.
func (x *Index) Elapsed(ts time.Time) float64 {
	return ts.Sub(x.origin).Seconds()
}

// Len returns the number of sensor rows.
func (x *Index) Len() int {
	return len(x.times)
}

// SeriesNames returns the field names in log order.
func (x *Index) SeriesNames() []string {
	return slices.Clone(x.fields)
}

// Series returns the elapsed times and values of one field. The slices are
// shared and must not be modified.
func (x *Index) Series(name string) ([]float64, []float64, bool) {
	col := x.column(name)
	if col < 0 {
		return nil, nil, false
	}
	return x.times, x.columns[col], true
}

// Frames returns all frames in elapsed order.
func (x *Index) Frames() []Frame {
	return slices.Clone(x.frames)
}

// SeriesRange returns the scrubbable bounds: the sensor span, or the frame
// span when there is no sensor data. ok is false for an empty session.
func (x *Index) SeriesRange() (lo, hi float64, ok bool) {
	if len(x.times) > 0 {
		return x.times[0], x.times[len(x.times)-1], true
	}
	if len(x.frames) > 0 {
		return x.frames[0].Elapsed, x.frames[len(x.frames)-1].Elapsed, true
	}
	return 0, 0, false
}

// NearestFrame returns the frame closest to t. On equal distance the earlier
// frame wins.
func (x *Index) NearestFrame(t float64) (Frame, error) {
	if len(x.frames) == 0 {
		return Frame{}, ErrEmptyIndex
	}
	i := nearest(len(x.frames), func(i int) float64 { return x.frames[i].Elapsed }, t)
	return x.frames[i], nil
}

// ValueAt returns the value of a series at the row nearest to t, with the
// same tie-break as NearestFrame.
func (x *Index) ValueAt(name string, t float64) (float64, bool) {
	col := x.column(name)
	if col < 0 || len(x.times) == 0 {
		return math.NaN(), false
	}
	i := nearest(len(x.times), func(i int) float64 { return x.times[i] }, t)
	return x.columns[col][i], true
}

func (x *Index) column(name string) int {
	return slices.Index(x.fields, name)
}

// nearest finds the index in an ascending sequence closest to t. Among
// equal keys it picks the first, and on equal distance the lower index.
func nearest(n int, at func(int) float64, t float64) int {
	i := sort.Search(n, func(i int) bool { return at(i) >= t })
	if i == 0 {
		return 0
	}
	if i == n {
		return first(at, n-1)
	}
	before := first(at, i-1)
	if t-at(before) <= at(i)-t {
		return before
	}
	return i
}

// first walks back to the first of a run of equal keys ending at i.
func first(at func(int) float64, i int) int {
	for i > 0 && at(i-1) == at(i) {
		i--
	}
	return i
}
