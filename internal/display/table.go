package display

import (
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment controls where a cell's text sits within its column.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignCenter
	AlignRight
)

const minColumnWidth = 4

// boxChars holds the border pieces of a style. Each rule is left, junction
// and right.
type boxChars struct {
	horizontal string
	vertical   string
	top        [3]string
	middle     [3]string
	bottom     [3]string
}

// TableStyle controls borders, padding and the width budget of a table.
// A zero MaxWidth uses the terminal width when stdout is a terminal.
type TableStyle struct {
	Name       string
	HeaderRule bool
	Padding    int
	MaxWidth   int

	box boxChars
}

var (
	asciiBox = boxChars{
		horizontal: "-",
		vertical:   "|",
		top:        [3]string{"+", "+", "+"},
		middle:     [3]string{"+", "+", "+"},
		bottom:     [3]string{"+", "+", "+"},
	}
	roundedBox = boxChars{
		horizontal: "─",
		vertical:   "│",
		top:        [3]string{"╭", "┬", "╮"},
		middle:     [3]string{"├", "┼", "┤"},
		bottom:     [3]string{"╰", "┴", "╯"},
	}
)

// Predefined table styles
var (
	DefaultTableStyle = TableStyle{Name: "default", HeaderRule: true, Padding: 1, box: asciiBox}
	RoundedTableStyle = TableStyle{Name: "rounded", HeaderRule: true, Padding: 1, box: roundedBox}
	CompactTableStyle = TableStyle{Name: "compact", Padding: 1}
)

func (s TableStyle) bordered() bool {
	return s.box.vertical != ""
}

// Table collects rows and renders them as aligned text columns.
type Table struct {
	colors  ColorSystem
	theme   ColorTheme
	style   TableStyle
	headers []string
	rows    [][]string
	align   map[int]Alignment
}

// NewTable creates a table with the default style. Headers are colored
// with the theme's primary color when colors is supported.
func NewTable(colors ColorSystem, theme ColorTheme) *Table {
	return &Table{
		colors: colors,
		theme:  theme,
		style:  DefaultTableStyle,
		align:  make(map[int]Alignment),
	}
}

func (t *Table) SetHeaders(headers []string) { t.headers = headers }

func (t *Table) AddRow(row []string) { t.rows = append(t.rows, row) }

func (t *Table) SetColumnAlignment(column int, alignment Alignment) { t.align[column] = alignment }

func (t *Table) SetStyle(style TableStyle) { t.style = style }

// Render returns the table as text, or "" when there is nothing to show.
func (t *Table) Render() string {
	var b strings.Builder
	t.RenderTo(&b)
	return b.String()
}

// RenderTo writes the rendered table to w.
func (t *Table) RenderTo(w io.Writer) {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return
	}
	widths := t.fit(t.naturalWidths())
	bordered := t.style.bordered()

	var lines []string
	if bordered {
		lines = append(lines, t.rule(widths, t.style.box.top))
	}
	if len(t.headers) > 0 {
		lines = append(lines, t.line(t.headers, widths, true))
		if bordered && t.style.HeaderRule {
			lines = append(lines, t.rule(widths, t.style.box.middle))
		}
	}
	for _, row := range t.rows {
		lines = append(lines, t.line(row, widths, false))
	}
	if bordered {
		lines = append(lines, t.rule(widths, t.style.box.bottom))
	}

	for _, line := range lines {
		_, _ = io.WriteString(w, line+"\n")
	}
}

func (t *Table) naturalWidths() []int {
	n := len(t.headers)
	for _, row := range t.rows {
		if len(row) > n {
			n = len(row)
		}
	}
	widths := make([]int, n)
	measure := func(cells []string) {
		for i, c := range cells {
			if w := utf8.RuneCountInString(c); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}
	return widths
}

// fit narrows the widest column one step at a time until the table fits.
func (t *Table) fit(widths []int) []int {
	limit := t.style.MaxWidth
	if limit <= 0 {
		limit = terminalWidth()
	}
	if limit <= 0 {
		return widths
	}
	for t.width(widths) > limit {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minColumnWidth {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) width(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w + 2*t.style.Padding
	}
	if t.style.bordered() {
		total += len(widths) + 1
	}
	return total
}

func (t *Table) rule(widths []int, ends [3]string) string {
	segments := make([]string, len(widths))
	for i, w := range widths {
		segments[i] = strings.Repeat(t.style.box.horizontal, w+2*t.style.Padding)
	}
	return ends[0] + strings.Join(segments, ends[1]) + ends[2]
}

func (t *Table) line(cells []string, widths []int, header bool) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		var text string
		if i < len(cells) {
			text = cells[i]
		}
		parts[i] = t.cell(text, w, t.align[i], header)
	}
	v := t.style.box.vertical
	return v + strings.Join(parts, v) + v
}

func (t *Table) cell(text string, width int, alignment Alignment, header bool) string {
	text = truncate(text, width)
	// Measured before coloring; escape codes take no columns.
	gap := width - utf8.RuneCountInString(text)
	if header && t.colors != nil && t.colors.IsColorSupported() {
		text = t.colors.Colorize(text, t.theme.Primary)
	}

	left := 0
	switch alignment {
	case AlignRight:
		left = gap
	case AlignCenter:
		left = gap / 2
	}
	pad := strings.Repeat(" ", t.style.Padding)
	return pad + strings.Repeat(" ", left) + text + strings.Repeat(" ", gap-left) + pad
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width > 3 {
		return string(runes[:width-3]) + "..."
	}
	return string(runes[:width])
}

// terminalWidth is 0 when stdout is not a terminal, which means no limit.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return width
}
