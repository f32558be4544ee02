package display

import (
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// BorderStyle defines table border characters
type BorderStyle struct {
	Corner     string
	Horizontal string
	Vertical   string
}

// Border styles
var (
	ASCIIBorderStyle   = BorderStyle{Corner: "+", Horizontal: "-", Vertical: "|"}
	RoundedBorderStyle = BorderStyle{Corner: "•", Horizontal: "─", Vertical: "│"}
	NoBorderStyle      = BorderStyle{}
)

// BorderStyleByName maps a table style name to its borders
func BorderStyleByName(name string) BorderStyle {
	switch name {
	case "rounded":
		return RoundedBorderStyle
	case "minimal":
		return NoBorderStyle
	default:
		return ASCIIBorderStyle
	}
}

// Table renders rows in aligned columns. Cells wider than the terminal
// allows are truncated with an ellipsis.
type Table struct {
	headers  []string
	rows     [][]string
	border   BorderStyle
	maxWidth int
	colors   ColorSystem
}

// NewTable creates a table sized to the terminal
func NewTable(colors ColorSystem, border BorderStyle) *Table {
	return &Table{
		border:   border,
		maxWidth: terminalWidth(),
		colors:   colors,
	}
}

// SetHeaders sets the table headers
func (t *Table) SetHeaders(headers ...string) {
	t.headers = headers
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// SetMaxWidth overrides the terminal width
func (t *Table) SetMaxWidth(width int) {
	t.maxWidth = width
}

// Render returns the formatted table
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}
	widths := t.columnWidths()

	var b strings.Builder
	t.writeBorder(&b, widths)
	if len(t.headers) > 0 {
		t.writeRow(&b, t.headers, widths, true)
		t.writeBorder(&b, widths)
	}
	for _, row := range t.rows {
		t.writeRow(&b, row, widths, false)
	}
	t.writeBorder(&b, widths)
	return b.String()
}

// RenderTo writes the table to w
func (t *Table) RenderTo(w io.Writer) error {
	_, err := io.WriteString(w, t.Render())
	return err
}

func (t *Table) columnWidths() []int {
	cols := len(t.headers)
	for _, row := range t.rows {
		if len(row) > cols {
			cols = len(row)
		}
	}

	widths := make([]int, cols)
	measure := func(row []string) {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}

	// shrink the widest column until the table fits
	if t.maxWidth > 0 {
		for total(widths) > t.maxWidth {
			widest := 0
			for i := range widths {
				if widths[i] > widths[widest] {
					widest = i
				}
			}
			if widths[widest] <= 8 {
				break
			}
			widths[widest]--
		}
	}
	return widths
}

func total(widths []int) int {
	n := 1
	for _, w := range widths {
		n += w + 3
	}
	return n
}

func (t *Table) writeBorder(b *strings.Builder, widths []int) {
	if t.border.Horizontal == "" {
		return
	}
	b.WriteString(t.border.Corner)
	for _, w := range widths {
		b.WriteString(strings.Repeat(t.border.Horizontal, w+2))
		b.WriteString(t.border.Corner)
	}
	b.WriteString("\n")
}

func (t *Table) writeRow(b *strings.Builder, row []string, widths []int, header bool) {
	sep := t.border.Vertical
	if sep == "" {
		sep = " "
	}
	b.WriteString(sep)
	for i, w := range widths {
		cell := ""
		if i < len(row) {
			cell = truncate(row[i], w)
		}
		padded := cell + strings.Repeat(" ", w-utf8.RuneCountInString(cell))
		if header && t.colors != nil {
			padded = t.colors.Sprint(t.colors.Theme().Highlight, padded)
		}
		b.WriteString(" ")
		b.WriteString(padded)
		b.WriteString(" ")
		b.WriteString(sep)
	}
	b.WriteString("\n")
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	if width <= 3 {
		return string([]rune(s)[:width])
	}
	return string([]rune(s)[:width-3]) + "..."
}

func terminalWidth() int {
	width, _, err := term.GetSize(1)
	if err != nil || width <= 0 {
		return 0
	}
	return width
}
