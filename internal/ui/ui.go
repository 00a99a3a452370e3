// Package ui renders CLI output. Colour is used only when writing to a
// terminal and NO_COLOR is unset.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Palette
var (
	ColorAccent  = lipgloss.Color("#7AA2F7")
	ColorSuccess = lipgloss.Color("#9ECE6A")
	ColorWarning = lipgloss.Color("#E0AF68")
	ColorError   = lipgloss.Color("#F7768E")
	ColorMuted   = lipgloss.Color("#565F89")
)

type styles struct {
	title   lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	header  lipgloss.Style
	border  lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(ColorAccent),
		label:   r.NewStyle().Foreground(ColorMuted).Width(18),
		muted:   r.NewStyle().Foreground(ColorMuted),
		success: r.NewStyle().Foreground(ColorSuccess),
		warning: r.NewStyle().Foreground(ColorWarning),
		err:     r.NewStyle().Foreground(ColorError).Bold(true),
		header:  r.NewStyle().Bold(true).Foreground(ColorAccent).Padding(0, 1),
		border:  r.NewStyle().Foreground(ColorMuted),
	}
}

// Printer writes styled output to one writer.
type Printer struct {
	out      io.Writer
	renderer *lipgloss.Renderer
	styles   styles
}

// New returns a Printer for out.
func New(out io.Writer) *Printer {
	r := lipgloss.NewRenderer(out)
	if !ColorEnabled(out) {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{out: out, renderer: r, styles: newStyles(r)}
}

// ColorEnabled reports whether out is a terminal that should get colour.
func ColorEnabled(out io.Writer) bool {
	if termenv.EnvNoColor() {
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// IsInteractive reports whether both stdin and stdout are terminals, so a
// prompt can be shown.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Title prints a heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.out, p.styles.title.Render(text))
}

// Field prints one "label  value" line.
func (p *Printer) Field(label string, value any) {
	fmt.Fprintf(p.out, "%s %v\n", p.styles.label.Render(label), value)
}

// Muted prints secondary text.
func (p *Printer) Muted(format string, args ...any) {
	fmt.Fprintln(p.out, p.styles.muted.Render(fmt.Sprintf(format, args...)))
}

// Success prints a line prefixed with a check mark.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", p.styles.success.Render("✓"), fmt.Sprintf(format, args...))
}

// Warning prints a line prefixed with a warning sign.
func (p *Printer) Warning(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", p.styles.warning.Render("!"), fmt.Sprintf(format, args...))
}

// Error prints a line prefixed with a cross.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", p.styles.err.Render("✗"), fmt.Sprintf(format, args...))
}

// Table prints rows under headers with a rounded border.
func (p *Printer) Table(headers []string, rows [][]string) {
	cell := p.renderer.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(p.styles.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return p.styles.header
			}
			return cell
		})
	fmt.Fprintln(p.out, t.Render())
}
