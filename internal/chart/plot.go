// Package chart renders sensor series as braille text plots and aligned
// text tables.
package chart

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"golang.org/x/term"
)

// Series is a named series sampled at elapsed times. Slot picks the color
// and line style, so a series keeps its look when others are hidden.
type Series struct {
	Name   string
	Slot   int
	Times  []float64
	Values []float64
}

// Options describes the plot window. Width and Height are in terminal cells
// of the plot area, excluding the axis.
type Options struct {
	Width  int
	Height int
	XMin   float64
	XMax   float64
	YMin   float64
	YMax   float64
	// Cursor draws a vertical marker at this elapsed time when ShowCursor
	// is set.
	Cursor     float64
	ShowCursor bool
	Color      bool
}

type lineStyle struct {
	name   string
	period int
	on     int
}

type ansiColor struct {
	name string
	code string
}

const (
	DefaultHeight       = 10
	minPlotWidth        = 10
	axisLabelWidth      = 9
	axisSeparator       = " │ "
	cursorRune          = '│'
	cursorColor         = "\x1b[1;31m"
	colorReset          = "\x1b[0m"
	terminalWidthBackup = 80
)

var lineStyles = []lineStyle{
	{name: "solid", period: 1, on: 1},
	{name: "dashed", period: 6, on: 3},
	{name: "dotted", period: 4, on: 1},
	{name: "dashdot", period: 8, on: 3},
}

var colorPalette = []ansiColor{
	{name: "cyan", code: "\x1b[36m"},
	{name: "magenta", code: "\x1b[35m"},
	{name: "yellow", code: "\x1b[33m"},
	{name: "green", code: "\x1b[32m"},
	{name: "blue", code: "\x1b[34m"},
}

// Render returns the plot rows followed by one x-axis row. Every series
// shares the y bounds of opts.
func Render(series []Series, opts Options) []string {
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.Width < minPlotWidth {
		opts.Width = minPlotWidth
	}
	xSpan := opts.XMax - opts.XMin
	if xSpan <= 0 {
		xSpan = 1
	}
	ySpan := opts.YMax - opts.YMin
	if ySpan <= 0 {
		opts.YMin--
		opts.YMax++
	}

	dotCols := opts.Width * 2
	dotRows := opts.Height * 4
	seriesCells := make([][][]uint8, 0, len(series))
	slots := make([]int, 0, len(series))
	for _, s := range series {
		cells := makeCells(opts.Height, opts.Width)
		style := lineStyles[s.Slot%len(lineStyles)]
		binned := resampleByTime(s.Times, s.Values, opts.XMin, opts.XMin+xSpan, dotCols)
		prevX, prevY := -1, -1
		for px, v := range binned {
			if math.IsNaN(v) {
				continue
			}
			py := valueToRow(v, opts.YMin, opts.YMax, dotRows)
			if prevX >= 0 {
				drawLine(prevX, prevY, px, py, func(dx, dy int) {
					if style.shouldPlot(dx) {
						setBrailleDot(cells, dx, dy)
					}
				})
			} else if style.shouldPlot(px) {
				setBrailleDot(cells, px, py)
			}
			prevX, prevY = px, py
		}
		seriesCells = append(seriesCells, cells)
		slots = append(slots, s.Slot)
	}

	cursorCol := -1
	if opts.ShowCursor {
		pos := (opts.Cursor - opts.XMin) / xSpan
		cursorCol = int(math.Round(pos * float64(opts.Width-1)))
		if cursorCol < 0 || cursorCol >= opts.Width {
			cursorCol = -1
		}
	}

	labels := makeAxisLabels(opts.Height, opts.YMin, opts.YMax)
	lines := make([]string, 0, opts.Height+1)
	for y := 0; y < opts.Height; y++ {
		var row strings.Builder
		fmt.Fprintf(&row, "%*s%s", axisLabelWidth, labels[y], axisSeparator)
		for x := 0; x < opts.Width; x++ {
			mask, idx := composeCell(seriesCells, x, y)
			ch := brailleFromMask(mask)
			switch {
			case x == cursorCol:
				if mask == 0 {
					ch = cursorRune
				}
				if opts.Color {
					row.WriteString(cursorColor)
					row.WriteRune(ch)
					row.WriteString(colorReset)
				} else {
					row.WriteRune(ch)
				}
			case opts.Color && idx >= 0:
				row.WriteString(colorPalette[slots[idx]%len(colorPalette)].code)
				row.WriteRune(ch)
				row.WriteString(colorReset)
			default:
				row.WriteRune(ch)
			}
		}
		lines = append(lines, row.String())
	}
	lines = append(lines, xAxis(opts.XMin, opts.XMin+xSpan, opts.Width))
	return lines
}

// Plot writes a titled plot with a legend. Bounds left at zero are derived
// from the data.
func Plot(w io.Writer, title string, series []Series, opts Options) error {
	series = filterSeries(series)
	if len(series) == 0 {
		return nil
	}
	if opts.XMin == 0 && opts.XMax == 0 {
		opts.XMin, opts.XMax = timeBounds(series)
	}
	if opts.YMin == 0 && opts.YMax == 0 {
		opts.YMin, opts.YMax = valueBounds(series)
	}
	if opts.Width <= 0 {
		opts.Width = WidthFor(TerminalWidth())
	}
	if title != "" {
		if _, err := fmt.Fprintln(w, title); err != nil {
			return err
		}
	}
	for _, line := range Render(series, opts) {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, Legend(series, opts.Color)); err != nil {
		return err
	}
	return nil
}

// Legend names each series with its marker, style and color.
func Legend(series []Series, useColor bool) string {
	parts := make([]string, 0, len(series))
	marker := brailleFromMask(0x01)
	for _, s := range series {
		styleName := lineStyles[s.Slot%len(lineStyles)].name
		label := fmt.Sprintf("%c %s (%s)", marker, s.Name, styleName)
		if useColor {
			label = colorPalette[s.Slot%len(colorPalette)].code + label + colorReset
		}
		parts = append(parts, label)
	}
	return "Legend: " + strings.Join(parts, "  ")
}

// WidthFor computes a plot width that fits within the total available width.
func WidthFor(totalWidth int) int {
	if totalWidth <= 0 {
		return minPlotWidth
	}
	plotWidth := totalWidth - AxisWidth()
	if plotWidth < minPlotWidth {
		plotWidth = minPlotWidth
	}
	return plotWidth
}

// AxisWidth is the width taken by the y-axis labels and separator.
func AxisWidth() int {
	return axisLabelWidth + len([]rune(axisSeparator))
}

// TerminalWidth returns the stdout width, or 80 when it is not a terminal.
func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return terminalWidthBackup
	}
	return width
}

// ShouldUseColor reports whether w is a terminal that accepts color.
func ShouldUseColor(w io.Writer, force bool) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if force {
		return true
	}
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

func filterSeries(series []Series) []Series {
	out := make([]Series, 0, len(series))
	for _, s := range series {
		if len(s.Values) == 0 || len(s.Times) != len(s.Values) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func timeBounds(series []Series) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range series {
		lo = math.Min(lo, s.Times[0])
		hi = math.Max(hi, s.Times[len(s.Times)-1])
	}
	return lo, hi
}

func valueBounds(series []Series) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range series {
		for _, v := range s.Values {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	return lo, hi
}

func makeAxisLabels(height int, minVal, maxVal float64) []string {
	labels := make([]string, height)
	if height <= 0 {
		return labels
	}
	labels[0] = formatTick(maxVal)
	if height > 2 {
		labels[height/2] = formatTick((minVal + maxVal) / 2)
	}
	if height > 1 {
		labels[height-1] = formatTick(minVal)
	}
	return labels
}

func formatTick(v float64) string {
	s := fmt.Sprintf("%.4g", v)
	if len(s) > axisLabelWidth {
		s = fmt.Sprintf("%.2e", v)
	}
	return s
}

func xAxis(lo, hi float64, width int) string {
	left := fmt.Sprintf("%.2fs", lo)
	right := fmt.Sprintf("%.2fs", hi)
	gap := width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return strings.Repeat(" ", AxisWidth()) + left + strings.Repeat(" ", gap) + right
}

func makeCells(height, width int) [][]uint8 {
	cells := make([][]uint8, height)
	for y := 0; y < height; y++ {
		cells[y] = make([]uint8, width)
	}
	return cells
}

func composeCell(seriesCells [][][]uint8, x, y int) (uint8, int) {
	var mask uint8
	colorIdx := -1
	for i, cells := range seriesCells {
		if y < 0 || y >= len(cells) {
			continue
		}
		if x < 0 || x >= len(cells[y]) {
			continue
		}
		cellMask := cells[y][x]
		if cellMask == 0 {
			continue
		}
		if colorIdx == -1 {
			colorIdx = i
		}
		mask |= cellMask
	}
	return mask, colorIdx
}

func (ls lineStyle) shouldPlot(x int) bool {
	if ls.period <= 1 {
		return true
	}
	if x < 0 {
		x = -x
	}
	return x%ls.period < ls.on
}

// resampleByTime averages the samples falling into each of cols equal time
// bins over [lo, hi]. Bins without samples are NaN.
func resampleByTime(times, values []float64, lo, hi float64, cols int) []float64 {
	if cols <= 0 {
		return nil
	}
	sums := make([]float64, cols)
	counts := make([]int, cols)
	span := hi - lo
	for i, t := range times {
		if i >= len(values) || t < lo || t > hi {
			continue
		}
		col := cols - 1
		if span > 0 {
			col = int((t - lo) / span * float64(cols))
		}
		if col >= cols {
			col = cols - 1
		}
		sums[col] += values[i]
		counts[col]++
	}
	out := make([]float64, cols)
	for i := range out {
		if counts[i] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sums[i] / float64(counts[i])
	}
	return out
}

func valueToRow(v, minVal, maxVal float64, height int) int {
	if height <= 1 {
		return 0
	}
	pos := (v - minVal) / (maxVal - minVal)
	row := int(math.Round((1 - pos) * float64(height-1)))
	if row < 0 {
		row = 0
	}
	if row >= height {
		row = height - 1
	}
	return row
}

func drawLine(x0, y0, x1, y1 int, plot func(x, y int)) {
	dx := int(math.Abs(float64(x1 - x0)))
	sx := -1
	if x0 < x1 {
		sx = 1
	}
	dy := -int(math.Abs(float64(y1 - y0)))
	sy := -1
	if y0 < y1 {
		sy = 1
	}
	err := dx + dy
	for {
		plot(x0, y0)
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			if x0 == x1 {
				break
			}
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			if y0 == y1 {
				break
			}
			err += dx
			y0 += sy
		}
	}
}

func setBrailleDot(cells [][]uint8, x, y int) {
	if y < 0 || x < 0 {
		return
	}
	cellY := y / 4
	cellX := x / 2
	if cellY >= len(cells) || cellX >= len(cells[cellY]) {
		return
	}
	cells[cellY][cellX] |= brailleDotMask(x%2, y%4)
}

func brailleDotMask(x, y int) uint8 {
	switch {
	case x == 0 && y == 0:
		return 0x01
	case x == 0 && y == 1:
		return 0x02
	case x == 0 && y == 2:
		return 0x04
	case x == 0 && y == 3:
		return 0x40
	case x == 1 && y == 0:
		return 0x08
	case x == 1 && y == 1:
		return 0x10
	case x == 1 && y == 2:
		return 0x20
	case x == 1 && y == 3:
		return 0x80
	default:
		return 0
	}
}

func brailleFromMask(mask uint8) rune {
	return rune(0x2800 + int(mask))
}
