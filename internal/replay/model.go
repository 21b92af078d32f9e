package replay

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/verte-zerg/rigtrace/internal/chart"
	"github.com/verte-zerg/rigtrace/internal/correlate"
	"github.com/verte-zerg/rigtrace/internal/framestore"
	"github.com/verte-zerg/rigtrace/internal/model"
)

const (
	DefaultStep     = 0.1
	coarseFactor    = 10
	minPlotHeight   = 4
	previewMaxWidth = 64
)

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F0F0F0")).Bold(true)
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6E6E6E"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F"))
	panelStyle  = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder(), true).
			BorderForeground(lipgloss.Color("#4A4A4A"))
	hiddenStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4A4A4A"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#C89A3A")).Bold(true)
)

type keyMap struct {
	Back       key.Binding
	Forward    key.Binding
	CoarseBack key.Binding
	CoarseFwd  key.Binding
	Start      key.Binding
	End        key.Binding
	Toggle     key.Binding
	Quit       key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Back, k.Forward, k.CoarseBack, k.CoarseFwd, k.Start, k.End, k.Toggle, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

func defaultKeys() keyMap {
	return keyMap{
		Back:       key.NewBinding(key.WithKeys("left", "h"), key.WithHelp("←/h", "back")),
		Forward:    key.NewBinding(key.WithKeys("right", "l"), key.WithHelp("→/l", "forward")),
		CoarseBack: key.NewBinding(key.WithKeys("shift+left", "pgdown", "H"), key.WithHelp("pgdn", "back x10")),
		CoarseFwd:  key.NewBinding(key.WithKeys("shift+right", "pgup", "L"), key.WithHelp("pgup", "forward x10")),
		Start:      key.NewBinding(key.WithKeys("home", "g"), key.WithHelp("home", "start")),
		End:        key.NewBinding(key.WithKeys("end", "G"), key.WithHelp("end", "end")),
		Toggle:     key.NewBinding(key.WithKeys("1", "2", "3", "4", "5", "6", "7", "8", "9"), key.WithHelp("1-9", "toggle series")),
		Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// Options tunes the replay screen.
type Options struct {
	// Step is the fine cursor step in seconds.
	Step  float64
	Color bool
}

// Model implements the Bubble Tea replay screen. It redraws only in
// response to input; there is no tick.
type Model struct {
	ctl  *Controller
	sess model.Session
	opts Options

	keys keyMap
	help help.Model

	width  int
	height int

	previewPath string
	previewSize [2]int
	preview     []string
	errMsg      string
}

// NewModel builds the replay screen for a session index.
func NewModel(sess model.Session, idx *correlate.Index, opts Options) *Model {
	if opts.Step <= 0 {
		opts.Step = DefaultStep
	}
	return &Model{
		ctl:  NewController(idx),
		sess: sess,
		opts: opts,
		keys: defaultKeys(),
		help: help.New(),
	}
}

// Controller exposes the scrubbing state.
func (m *Model) Controller() *Controller {
	return m.ctl
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil
	case tea.KeyMsg:
		lo, hi, _ := m.ctl.Range()
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Back):
			m.ctl.Step(-m.opts.Step)
		case key.Matches(msg, m.keys.Forward):
			m.ctl.Step(m.opts.Step)
		case key.Matches(msg, m.keys.CoarseBack):
			m.ctl.Step(-m.opts.Step * coarseFactor)
		case key.Matches(msg, m.keys.CoarseFwd):
			m.ctl.Step(m.opts.Step * coarseFactor)
		case key.Matches(msg, m.keys.Start):
			m.ctl.SetCursor(lo)
		case key.Matches(msg, m.keys.End):
			m.ctl.SetCursor(hi)
		case key.Matches(msg, m.keys.Toggle):
			n := int(msg.String()[0] - '1')
			if err := m.ctl.ToggleIndex(n); err != nil {
				m.errMsg = fmt.Sprintf("no series %d", n+1)
				return m, nil
			}
		}
		m.errMsg = ""
		return m, nil
	}
	return m, nil
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	header := fitLines(m.renderHeader(), m.width, 2)
	footer := fitLines(m.renderFooter(), m.width, 1)
	bodyHeight := max(m.height-3, 1)
	return strings.Join([]string{header, fitLines(m.renderBody(bodyHeight), m.width, bodyHeight), footer}, "\n")
}

func (m *Model) renderHeader() string {
	lo, hi, ok := m.ctl.Range()
	title := titleStyle.Render("Session " + m.sess.ID)
	var info string
	if ok {
		info = fmt.Sprintf("t=%.3fs  range %.3f-%.3fs  step %.3gs", m.ctl.Cursor(), lo, hi, m.opts.Step)
	} else {
		info = "empty session"
	}
	frame, found := m.ctl.Frame()
	switch {
	case found:
		info += fmt.Sprintf("  frame %s (%+.3fs)", filepath.Base(frame.Path), frame.Elapsed-m.ctl.Cursor())
	case errors.Is(m.ctl.FrameErr(), correlate.ErrEmptyIndex):
		info += "  no frames recorded"
	}
	return title + "\n" + headerStyle.Render(truncateLine(info, m.width))
}

func (m *Model) renderFooter() string {
	if m.errMsg != "" {
		return errorStyle.Render(m.errMsg)
	}
	return m.help.View(m.keys)
}

func (m *Model) renderBody(height int) string {
	plotHeight := max(height/2, minPlotHeight)
	topHeight := max(height-plotHeight-1, 3)

	valuesPanel := panelStyle.Render(m.renderValues())
	previewWidth := min(previewMaxWidth, max(m.width-lipgloss.Width(valuesPanel)-4, 8))
	preview := panelStyle.Render(strings.Join(m.previewLines(previewWidth, max(topHeight-2, 1)), "\n"))
	top := lipgloss.JoinHorizontal(lipgloss.Top, preview, " ", valuesPanel)

	return fitLines(top, m.width, topHeight) + "\n" + m.renderPlot(plotHeight)
}

func (m *Model) renderValues() string {
	lines := []string{"Series at cursor"}
	for i, v := range m.ctl.Values() {
		value := "-"
		if v.OK {
			value = fmt.Sprintf("%.4g", v.Value)
		}
		line := fmt.Sprintf("%d %-8s %10s", i+1, v.Name, value)
		if v.Visible {
			line = valueStyle.Render(line)
		} else {
			line = hiddenStyle.Render(line)
		}
		lines = append(lines, line)
	}
	if len(lines) == 1 {
		lines = append(lines, "no sensor data")
	}
	return strings.Join(lines, "\n")
}

func (m *Model) previewLines(width, height int) []string {
	frame, ok := m.ctl.Frame()
	if !ok {
		return placeholder("no frame", width, height)
	}
	size := [2]int{width, height}
	if frame.Path == m.previewPath && size == m.previewSize {
		return m.preview
	}
	img, err := framestore.Load(frame.Path)
	if err != nil {
		m.preview = placeholder("unreadable frame", width, height)
	} else {
		m.preview = renderPreview(img, width, height)
	}
	m.previewPath = frame.Path
	m.previewSize = size
	return m.preview
}

func (m *Model) renderPlot(height int) string {
	idx := m.ctl.Index()
	lo, hi, ok := m.ctl.Range()
	if !ok || idx.Len() == 0 {
		return headerStyle.Render("No sensor series to plot.")
	}
	yMin, yMax := m.ctl.YBounds()
	var series []chart.Series
	for slot, name := range m.ctl.SeriesNames() {
		if !m.ctl.Visible(name) {
			continue
		}
		times, values, _ := idx.Series(name)
		series = append(series, chart.Series{Name: name, Slot: slot, Times: times, Values: values})
	}
	lines := chart.Render(series, chart.Options{
		Width:      chart.WidthFor(m.width),
		Height:     max(height-2, 1),
		XMin:       lo,
		XMax:       hi,
		YMin:       yMin,
		YMax:       yMax,
		Cursor:     m.ctl.Cursor(),
		ShowCursor: true,
		Color:      m.opts.Color,
	})
	lines = append(lines, chart.Legend(series, m.opts.Color))
	return strings.Join(lines, "\n")
}

func placeholder(text string, width, height int) []string {
	lines := make([]string, height)
	for i := range lines {
		lines[i] = strings.Repeat(" ", width)
	}
	if height > 0 {
		lines[height/2] = padLine(truncateLine(text, width), width)
	}
	return lines
}

func padLine(line string, width int) string {
	lineWidth := lipgloss.Width(line)
	if lineWidth < width {
		return line + strings.Repeat(" ", width-lineWidth)
	}
	return line
}

func fitLines(s string, width, height int) string {
	if width <= 0 || height <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = padLine(line, width)
	}
	if len(lines) > height {
		lines = lines[:height]
	}
	for len(lines) < height {
		lines = append(lines, strings.Repeat(" ", width))
	}
	return strings.Join(lines, "\n")
}

func truncateLine(s string, width int) string {
	if width <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	if width <= 3 {
		return string(runes[:width])
	}
	return string(runes[:width-3]) + "..."
}
