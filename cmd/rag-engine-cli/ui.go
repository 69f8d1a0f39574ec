package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// UI renders human output. JSON mode silences everything except the final
// payload so automation can pipe the command.
type UI struct {
	progress *mpb.Progress
	noColor  bool
	jsonMode bool
}

// NewUI creates a UI honoring the global --json and --no-color flags.
func NewUI() *UI {
	var progress *mpb.Progress
	if !outputJSON && isTerminal() {
		progress = mpb.New(mpb.WithWidth(64))
	}
	return &UI{
		progress: progress,
		noColor:  noColor,
		jsonMode: outputJSON,
	}
}

// Close waits for progress bars to drain.
func (ui *UI) Close() {
	if ui.progress != nil {
		ui.progress.Wait()
	}
}

func (ui *UI) Success(format string, args ...interface{}) {
	ui.line(color.FgGreen, "✓", format, args...)
}

func (ui *UI) Warning(format string, args ...interface{}) {
	ui.line(color.FgYellow, "⚠", format, args...)
}

func (ui *UI) Info(format string, args ...interface{}) {
	ui.line(color.FgCyan, "ℹ", format, args...)
}

func (ui *UI) Error(format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	if ui.noColor {
		fmt.Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
		return
	}
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

func (ui *UI) line(c color.Attribute, mark, format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	if ui.noColor {
		fmt.Printf("%s %s\n", mark, fmt.Sprintf(format, args...))
		return
	}
	color.New(c).Printf("%s %s\n", mark, fmt.Sprintf(format, args...))
}

// Section prints a section header.
func (ui *UI) Section(title string) {
	if ui.jsonMode {
		return
	}
	fmt.Println()
	if ui.noColor {
		fmt.Printf("=== %s ===\n", strings.ToUpper(title))
	} else {
		color.New(color.FgMagenta, color.Bold).Printf("=== %s ===\n", strings.ToUpper(title))
	}
}

// KeyValue prints an indented key/value pair.
func (ui *UI) KeyValue(key string, value interface{}) {
	if ui.jsonMode {
		return
	}
	if ui.noColor {
		fmt.Printf("  %s: %v\n", key, value)
		return
	}
	color.New(color.FgYellow).Printf("  %s: ", key)
	fmt.Printf("%v\n", value)
}

// Table prints a plain aligned table.
func (ui *UI) Table(headers []string, rows [][]string) {
	if ui.jsonMode || len(headers) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow := func(cells []string, bold bool) {
		var b strings.Builder
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			fmt.Fprintf(&b, "%-*s", widths[i], cell)
		}
		if bold && !ui.noColor {
			color.New(color.FgCyan, color.Bold).Println(b.String())
			return
		}
		fmt.Println(b.String())
	}

	printRow(headers, true)
	total := len(headers)*2 - 2
	for _, w := range widths {
		total += w
	}
	fmt.Println(strings.Repeat("-", total))
	for _, row := range rows {
		printRow(row, false)
	}
}

// JSON emits v as indented JSON. This is the only output in --json mode.
func (ui *UI) JSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Bar adds a counted progress bar to the shared multi-bar region. Returns
// nil when bars cannot render (JSON mode or piped output).
func (ui *UI) Bar(name string, total int64) *mpb.Bar {
	if ui.progress == nil {
		return nil
	}
	return ui.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WC{W: 5}),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 10}), " done"),
		),
	)
}

// isTerminal reports whether stdout is attached to a terminal.
func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
