package chart

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPlot(t *testing.T) {
	var buf bytes.Buffer
	err := Plot(&buf, "Test Plot", []Series{
		{Name: "A", Slot: 0, Times: []float64{0, 1, 2, 3, 4}, Values: []float64{1, 2, 3, 2, 1}},
		{Name: "B", Slot: 1, Times: []float64{0, 1, 2, 3, 4}, Values: []float64{1, 1, 2, 3, 4}},
	}, Options{Width: 20, Height: 4})
	if err != nil {
		t.Fatalf("Plot failed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Test Plot") {
		t.Fatalf("expected title in output")
	}
	if !strings.Contains(out, "Legend:") {
		t.Fatalf("expected legend in output")
	}
	if !strings.Contains(out, "4.00s") {
		t.Fatalf("expected x axis bound in output")
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	expectedMin := 1 + 4 + 1 + 1
	if len(lines) < expectedMin {
		t.Fatalf("expected at least %d lines of output, got %d", expectedMin, len(lines))
	}
}

func TestRenderRowWidth(t *testing.T) {
	lines := Render([]Series{{Name: "A", Times: []float64{0, 1}, Values: []float64{0, 1}}},
		Options{Width: 30, Height: 5, XMax: 1, YMax: 1})
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d", len(lines))
	}
	for i, line := range lines[:5] {
		if got := utf8.RuneCountInString(line); got != AxisWidth()+30 {
			t.Fatalf("row %d has width %d", i, got)
		}
	}
}

func TestRenderCursorMarker(t *testing.T) {
	lines := Render(nil, Options{Width: 11, Height: 3, XMax: 10, YMax: 1, Cursor: 5, ShowCursor: true})
	for i, line := range lines[:3] {
		cells := []rune(line)[AxisWidth():]
		if cells[5] != cursorRune {
			t.Fatalf("row %d: expected cursor at column 5, got %q", i, string(cells))
		}
	}

	lines = Render(nil, Options{Width: 11, Height: 3, XMax: 10, YMax: 1, Cursor: 50, ShowCursor: true})
	if strings.ContainsRune(string([]rune(lines[0])[AxisWidth():]), cursorRune) {
		t.Fatalf("cursor outside window must not be drawn")
	}
}

func TestRenderDegenerateBounds(t *testing.T) {
	lines := Render([]Series{{Name: "flat", Times: []float64{0, 1}, Values: []float64{2, 2}}},
		Options{Width: 10, Height: 3, XMax: 1, YMin: 2, YMax: 2})
	if !strings.Contains(lines[0], "3") || !strings.Contains(lines[2], "1") {
		t.Fatalf("expected unit margin labels, got %q / %q", lines[0], lines[2])
	}
}

func TestResampleByTime(t *testing.T) {
	out := resampleByTime([]float64{0, 0.1, 0.9, 1}, []float64{1, 3, 10, 20}, 0, 1, 4)
	if len(out) != 4 {
		t.Fatalf("expected 4 bins, got %d", len(out))
	}
	if out[0] != 2 {
		t.Fatalf("expected mean 2 in first bin, got %v", out[0])
	}
	if !math.IsNaN(out[1]) || !math.IsNaN(out[2]) {
		t.Fatalf("expected empty middle bins, got %v", out)
	}
	if out[3] != 15 {
		t.Fatalf("expected mean 15 in last bin, got %v", out[3])
	}
}

func TestWidthFor(t *testing.T) {
	total := 80
	expected := total - AxisWidth()
	if got := WidthFor(total); got != expected {
		t.Fatalf("expected width %d, got %d", expected, got)
	}
	if got := WidthFor(0); got != minPlotWidth {
		t.Fatalf("expected min width %d, got %d", minPlotWidth, got)
	}
}
