package chart

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

const (
	columnGap = "  "
	ellipsis  = "…"
)

// Column describes one table column.
type Column struct {
	Header string
	Right  bool
	// MaxWidth truncates longer cells with an ellipsis when positive.
	MaxWidth int
}

// FormatTable lays rows out under columns. Widths are measured in terminal
// cells, so wide runes line up. Missing cells are blank and cells beyond the
// last column are dropped. Trailing spaces are trimmed from every line.
func FormatTable(columns []Column, rows [][]string) []string {
	if len(columns) == 0 {
		return nil
	}
	cells := make([][]string, 0, len(rows))
	for _, row := range rows {
		fitted := make([]string, len(columns))
		for i, col := range columns {
			if i < len(row) {
				fitted[i] = fitCell(row[i], col.MaxWidth)
			}
		}
		cells = append(cells, fitted)
	}

	widths := make([]int, len(columns))
	for i, col := range columns {
		widths[i] = runewidth.StringWidth(col.Header)
		for _, row := range cells {
			widths[i] = max(widths[i], runewidth.StringWidth(row[i]))
		}
	}

	headers := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = col.Header
	}
	lines := make([]string, 0, len(cells)+1)
	lines = append(lines, joinRow(headers, columns, widths))
	for _, row := range cells {
		lines = append(lines, joinRow(row, columns, widths))
	}
	return lines
}

func fitCell(value string, maxWidth int) string {
	value = strings.ReplaceAll(value, "\n", " ")
	if maxWidth <= 0 || runewidth.StringWidth(value) <= maxWidth {
		return value
	}
	return runewidth.Truncate(value, maxWidth, ellipsis)
}

func joinRow(row []string, columns []Column, widths []int) string {
	var b strings.Builder
	for i, cell := range row {
		if i > 0 {
			b.WriteString(columnGap)
		}
		if columns[i].Right {
			b.WriteString(runewidth.FillLeft(cell, widths[i]))
		} else {
			b.WriteString(runewidth.FillRight(cell, widths[i]))
		}
	}
	return strings.TrimRight(b.String(), " ")
}
