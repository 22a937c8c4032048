package display

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Printer writes command results in the configured format. Tables and
// status lines are for people; JSON and YAML carry the same values for
// scripts.
type Printer struct {
	config *DisplayConfig
	format OutputFormat
	colors ColorSystem
	theme  ColorTheme
}

// NewPrinter creates a printer. A nil config uses DefaultDisplayConfig.
func NewPrinter(config *DisplayConfig) (*Printer, error) {
	if config == nil {
		config = DefaultDisplayConfig()
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	format, _ := ParseOutputFormat(config.OutputFormat)

	theme := config.GetColorTheme()
	colors := NewPlainColorSystem()
	if config.IsColorEnabled() && !format.Structured() {
		colors = NewColorSystem(theme)
	}
	return &Printer{config: config, format: format, colors: colors, theme: theme}, nil
}

// Format returns the selected output format.
func (p *Printer) Format() OutputFormat {
	return p.format
}

// Writer returns the result writer.
func (p *Printer) Writer() io.Writer {
	return p.config.Writer
}

func (p *Printer) statusWriter() io.Writer {
	if p.format.Structured() {
		return p.config.ErrWriter
	}
	return p.config.Writer
}

// Header prints a title with an underline. Skipped for structured output.
func (p *Printer) Header(title string) {
	if p.config.QuietMode || p.format.Structured() {
		return
	}
	fmt.Fprintf(p.config.Writer, "%s\n%s\n", p.colors.Colorize(title, p.theme.Primary), strings.Repeat("=", len(title)))
}

// Table prints rows under headers. For structured formats the table is
// emitted as a list of objects keyed by lower-cased header.
func (p *Printer) Table(headers []string, rows [][]string) error {
	if p.format.Structured() {
		items := make([]map[string]string, 0, len(rows))
		for _, row := range rows {
			item := make(map[string]string, len(headers))
			for i, h := range headers {
				if i < len(row) {
					item[headerKey(h)] = row[i]
				}
			}
			items = append(items, item)
		}
		return p.Structured(items)
	}

	tf := NewTable(p.colors, p.theme)
	tf.SetStyle(p.config.GetTableStyle())
	tf.SetHeaders(headers)
	for _, row := range rows {
		tf.AddRow(row)
	}
	for col := range headers {
		if numericColumn(rows, col) {
			tf.SetColumnAlignment(col, AlignRight)
		}
	}
	tf.RenderTo(p.config.Writer)
	return nil
}

// numericColumn reports whether every non-empty cell of col starts with a
// number, as sizes, counts and versions do.
func numericColumn(rows [][]string, col int) bool {
	seen := false
	for _, row := range rows {
		if col >= len(row) || row[col] == "" {
			continue
		}
		fields := strings.Fields(row[col])
		if len(fields) == 0 {
			continue
		}
		if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
			return false
		}
		seen = true
	}
	return seen
}

// KeyValues prints label/value pairs aligned on the label column.
func (p *Printer) KeyValues(pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	for _, kv := range pairs {
		label := fmt.Sprintf("%-*s", width+1, kv[0]+":")
		fmt.Fprintf(p.config.Writer, "%s %s\n", p.colors.Colorize(label, p.theme.Muted), kv[1])
	}
}

// Result prints v as JSON or YAML when one is selected and otherwise calls
// human to render it.
func (p *Printer) Result(v interface{}, human func()) error {
	if p.format.Structured() {
		return p.Structured(v)
	}
	human()
	return nil
}

// Structured encodes v in the selected structured format, JSON when the
// format is table.
func (p *Printer) Structured(v interface{}) error {
	var (
		out []byte
		err error
	)
	if p.format == FormatYAML {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err = enc.Encode(toPlain(v)); err == nil {
			err = enc.Close()
		}
		out = buf.Bytes()
	} else {
		out, err = json.MarshalIndent(v, "", "  ")
		out = append(out, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s output: %w", p.format, err)
	}
	_, err = p.config.Writer.Write(out)
	return err
}

// toPlain round-trips v through JSON so YAML output uses the json field
// names and omitempty rules of the API types.
func toPlain(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var plain interface{}
	if err := json.Unmarshal(data, &plain); err != nil {
		return v
	}
	return plain
}

// Success prints a success status line.
func (p *Printer) Success(message string) {
	p.status("✓", "OK", p.theme.Success, message)
}

// Warning prints a warning status line. Warnings are printed in quiet mode.
func (p *Printer) Warning(message string) {
	p.statusAlways("⚠", "WARN", p.theme.Warning, message)
}

// Error prints an error status line. Errors are printed in quiet mode.
func (p *Printer) Error(message string) {
	p.statusAlways("✗", "ERROR", p.theme.Error, message)
}

// Info prints an informational status line.
func (p *Printer) Info(message string) {
	p.status("ℹ", "INFO", p.theme.Info, message)
}

func (p *Printer) status(icon, plain string, clr Color, message string) {
	if p.config.QuietMode {
		return
	}
	p.statusAlways(icon, plain, clr, message)
}

func (p *Printer) statusAlways(icon, plain string, clr Color, message string) {
	prefix := plain + ":"
	if p.colors.IsColorSupported() {
		prefix = p.colors.Colorize(icon, clr)
	}
	fmt.Fprintf(p.statusWriter(), "%s %s\n", prefix, message)
}

func headerKey(h string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
}
