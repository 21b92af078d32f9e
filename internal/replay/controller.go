// Package replay scrubs a finished session: a time cursor selects the nearest
// frame and marks the sensor plot, and series can be shown or hidden.
package replay

import (
	"errors"
	"fmt"
	"math"

	"github.com/verte-zerg/rigtrace/internal/correlate"
)

// boundsMargin is the share of the value span added above and below.
const boundsMargin = 0.05

// SeriesValue is one series at the cursor.
type SeriesValue struct {
	Name    string
	Value   float64
	OK      bool
	Visible bool
}

// Controller holds the scrubbing state over an index. It performs no I/O
// and changes only through its methods.
type Controller struct {
	idx      *correlate.Index
	names    []string
	visible  []bool
	lo, hi   float64
	hasRange bool

	cursor   float64
	frame    correlate.Frame
	hasFrame bool
	frameErr error

	yMin, yMax float64
}

// NewController starts with every series visible and the cursor at the
// start of the range.
func NewController(idx *correlate.Index) *Controller {
	c := &Controller{idx: idx, names: idx.SeriesNames()}
	c.visible = make([]bool, len(c.names))
	for i := range c.visible {
		c.visible[i] = true
	}
	c.lo, c.hi, c.hasRange = idx.SeriesRange()
	c.recomputeBounds()
	c.cursor = c.lo
	c.refreshFrame()
	return c
}

// Index returns the underlying index.
func (c *Controller) Index() *correlate.Index {
	return c.idx
}

// Range returns the scrubbable bounds.
func (c *Controller) Range() (lo, hi float64, ok bool) {
	return c.lo, c.hi, c.hasRange
}

// Cursor returns the cursor position in elapsed seconds.
func (c *Controller) Cursor() float64 {
	return c.cursor
}

// SetCursor clamps t to the range and moves the cursor there. The frame is
// updated when one is found; otherwise the previous frame stays. It reports
// whether the cursor moved.
func (c *Controller) SetCursor(t float64) bool {
	if math.IsNaN(t) {
		return false
	}
	t = math.Max(c.lo, math.Min(c.hi, t))
	if t == c.cursor {
		return false
	}
	c.cursor = t
	c.refreshFrame()
	return true
}

// Step moves the cursor by delta seconds.
func (c *Controller) Step(delta float64) bool {
	return c.SetCursor(c.cursor + delta)
}

// Frame returns the frame shown at the cursor. ok is false until a frame
// was ever found.
func (c *Controller) Frame() (correlate.Frame, bool) {
	return c.frame, c.hasFrame
}

// FrameErr returns the last frame lookup error, such as
// correlate.ErrEmptyIndex.
func (c *Controller) FrameErr() error {
	return c.frameErr
}

func (c *Controller) refreshFrame() {
	f, err := c.idx.NearestFrame(c.cursor)
	c.frameErr = err
	if err != nil {
		return
	}
	c.frame = f
	c.hasFrame = true
}

// SeriesNames returns every series name in display order.
func (c *Controller) SeriesNames() []string {
	return append([]string(nil), c.names...)
}

// Visible reports whether a series is shown.
func (c *Controller) Visible(name string) bool {
	i := c.position(name)
	return i >= 0 && c.visible[i]
}

// VisibleSeries returns the shown series in display order.
func (c *Controller) VisibleSeries() []string {
	var out []string
	for i, name := range c.names {
		if c.visible[i] {
			out = append(out, name)
		}
	}
	return out
}

// ToggleSeries flips the visibility of a series and recomputes the y bounds.
func (c *Controller) ToggleSeries(name string) error {
	i := c.position(name)
	if i < 0 {
		return fmt.Errorf("unknown series %q", name)
	}
	return c.ToggleIndex(i)
}

// ToggleIndex flips the visibility of the i-th series.
func (c *Controller) ToggleIndex(i int) error {
	if i < 0 || i >= len(c.names) {
		return errors.New("series index out of range")
	}
	c.visible[i] = !c.visible[i]
	c.recomputeBounds()
	return nil
}

// YBounds returns the shared value axis over the visible series.
func (c *Controller) YBounds() (lo, hi float64) {
	return c.yMin, c.yMax
}

// Values returns every series at the cursor.
func (c *Controller) Values() []SeriesValue {
	out := make([]SeriesValue, 0, len(c.names))
	for i, name := range c.names {
		v, ok := c.idx.ValueAt(name, c.cursor)
		out = append(out, SeriesValue{Name: name, Value: v, OK: ok, Visible: c.visible[i]})
	}
	return out
}

func (c *Controller) position(name string) int {
	for i, n := range c.names {
		if n == name {
			return i
		}
	}
	return -1
}

// recomputeBounds spans the union of visible values with a 5% margin. A
// degenerate or empty span gets a unit margin.
func (c *Controller) recomputeBounds() {
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, name := range c.names {
		if !c.visible[i] {
			continue
		}
		_, values, _ := c.idx.Series(name)
		for _, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	switch {
	case math.IsInf(lo, 1):
		c.yMin, c.yMax = -1, 1
	case lo == hi:
		c.yMin, c.yMax = lo-1, hi+1
	default:
		margin := (hi - lo) * boundsMargin
		c.yMin, c.yMax = lo-margin, hi+margin
	}
}
