package replay

import (
	"image"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/rigtrace/internal/correlate"
	"github.com/verte-zerg/rigtrace/internal/framestore"
	"github.com/verte-zerg/rigtrace/internal/model"
)

var base = time.Date(2025, 3, 4, 9, 0, 0, 0, time.Local)

func at(sec float64) time.Time {
	return base.Add(time.Duration(sec * float64(time.Second)))
}

func testIndex(frames ...model.FrameRecord) *correlate.Index {
	records := []model.SensorRecord{
		{Timestamp: at(0), Values: []float64{1, 100, -5}},
		{Timestamp: at(1), Values: []float64{2, 100, 5}},
		{Timestamp: at(4), Values: []float64{3, 100, 0}},
	}
	return correlate.New([]string{"Current", "Freq", "AcX"}, records, frames)
}

func TestSetCursorClampsToRange(t *testing.T) {
	c := NewController(testIndex())
	assert.Equal(t, 0.0, c.Cursor())

	assert.True(t, c.SetCursor(10))
	assert.Equal(t, 4.0, c.Cursor())
	assert.False(t, c.SetCursor(12))
	assert.True(t, c.SetCursor(-3))
	assert.Equal(t, 0.0, c.Cursor())

	assert.True(t, c.Step(1.5))
	assert.Equal(t, 1.5, c.Cursor())
}

func TestSetCursorTracksNearestFrame(t *testing.T) {
	c := NewController(testIndex(
		model.FrameRecord{Timestamp: at(1), Path: "a.png"},
		model.FrameRecord{Timestamp: at(3), Path: "b.png"},
	))
	c.SetCursor(1.9)
	f, ok := c.Frame()
	require.True(t, ok)
	assert.Equal(t, "a.png", f.Path)

	c.SetCursor(2.2)
	f, _ = c.Frame()
	assert.Equal(t, "b.png", f.Path)
}

func TestNoFramesKeepsSeriesUsable(t *testing.T) {
	c := NewController(testIndex())
	c.SetCursor(1)
	_, ok := c.Frame()
	assert.False(t, ok)
	assert.ErrorIs(t, c.FrameErr(), correlate.ErrEmptyIndex)

	values := c.Values()
	require.Len(t, values, 3)
	assert.True(t, values[0].OK)
	assert.Equal(t, 2.0, values[0].Value)
}

func TestToggleBoundsAreCommutative(t *testing.T) {
	ab := NewController(testIndex())
	require.NoError(t, ab.ToggleSeries("Current"))
	require.NoError(t, ab.ToggleSeries("AcX"))

	ba := NewController(testIndex())
	require.NoError(t, ba.ToggleSeries("AcX"))
	require.NoError(t, ba.ToggleSeries("Current"))

	loAB, hiAB := ab.YBounds()
	loBA, hiBA := ba.YBounds()
	assert.Equal(t, loAB, loBA)
	assert.Equal(t, hiAB, hiBA)
	assert.Equal(t, []string{"Freq"}, ab.VisibleSeries())
}

func TestBoundsMarginAndDegenerate(t *testing.T) {
	c := NewController(testIndex())
	lo, hi := c.YBounds()
	assert.InDelta(t, -5-5.25, lo, 1e-9)
	assert.InDelta(t, 100+5.25, hi, 1e-9)

	require.NoError(t, c.ToggleSeries("Current"))
	require.NoError(t, c.ToggleSeries("AcX"))
	lo, hi = c.YBounds()
	assert.Equal(t, 99.0, lo)
	assert.Equal(t, 101.0, hi)

	require.NoError(t, c.ToggleSeries("Freq"))
	lo, hi = c.YBounds()
	assert.Equal(t, -1.0, lo)
	assert.Equal(t, 1.0, hi)
	assert.Empty(t, c.VisibleSeries())

	assert.Error(t, c.ToggleSeries("Nope"))
	assert.Error(t, c.ToggleIndex(7))
}

func TestModelKeys(t *testing.T) {
	m := NewModel(model.Session{ID: "20250304-090000"}, testIndex(), Options{Step: 0.5})
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})

	m.Update(tea.KeyMsg{Type: tea.KeyRight})
	assert.Equal(t, 0.5, m.Controller().Cursor())
	m.Update(tea.KeyMsg{Type: tea.KeyPgUp})
	assert.Equal(t, 4.0, m.Controller().Cursor())
	m.Update(tea.KeyMsg{Type: tea.KeyLeft})
	assert.Equal(t, 3.5, m.Controller().Cursor())
	m.Update(tea.KeyMsg{Type: tea.KeyHome})
	assert.Equal(t, 0.0, m.Controller().Cursor())
	m.Update(tea.KeyMsg{Type: tea.KeyEnd})
	assert.Equal(t, 4.0, m.Controller().Cursor())

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'2'}})
	assert.False(t, m.Controller().Visible("Freq"))
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'9'}})
	assert.Contains(t, m.View(), "no series 9")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModelViewWithFrame(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "frames")
	st, err := framestore.New(dir)
	require.NoError(t, err)
	img := image.NewGray(image.Rect(0, 0, 40, 20))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	path, err := st.Save(at(1), img)
	require.NoError(t, err)

	m := NewModel(model.Session{ID: "20250304-090000"}, testIndex(model.FrameRecord{Timestamp: at(1), Path: path}), Options{})
	assert.Empty(t, m.View())
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	view := m.View()
	assert.Contains(t, view, "Session 20250304-090000")
	assert.Contains(t, view, filepath.Base(path))
	assert.Contains(t, view, "@")
	assert.Contains(t, view, "Current")
	assert.Len(t, strings.Split(view, "\n"), 40)
}

func TestRenderPreviewRamp(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 2))
	copy(img.Pix, []byte{0, 0, 255, 255, 0, 0, 255, 255})
	lines := renderPreview(img, 2, 1)
	require.Len(t, lines, 1)
	assert.Equal(t, " @", lines[0])

	assert.Nil(t, renderPreview(nil, 10, 10))
}
