// Package console prints the human-facing rollout narrative. Structured logs
// go through internal/logger; this is what an operator watching the terminal
// reads.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

var (
	colorInfo    = lipgloss.Color("#5DADE2")
	colorSuccess = lipgloss.Color("#2ECC71")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#7F8C8D")
)

type styles struct {
	phase   lipgloss.Style
	info    lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	muted   lipgloss.Style
	box     lipgloss.Style
	warnBox lipgloss.Style
	errBox  lipgloss.Style
}

// Console writes styled lines to one writer. Colours are only emitted when
// the writer is a terminal.
type Console struct {
	out io.Writer
	st  styles
}

// New writes to f, with colours when f is a terminal.
func New(f *os.File) *Console {
	return NewWriter(f, IsTerminal(f))
}

// NewWriter writes to w. color=false strips all styling.
func NewWriter(w io.Writer, color bool) *Console {
	r := lipgloss.NewRenderer(w)
	if !color {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Console{
		out: w,
		st: styles{
			phase:   r.NewStyle().Bold(true).Foreground(colorInfo),
			info:    r.NewStyle().Foreground(colorInfo),
			success: r.NewStyle().Foreground(colorSuccess),
			warning: r.NewStyle().Foreground(colorWarning),
			err:     r.NewStyle().Bold(true).Foreground(colorError),
			muted:   r.NewStyle().Foreground(colorMuted),
			box:     r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorInfo).Padding(0, 1),
			warnBox: r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorWarning).Padding(0, 1),
			errBox:  r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorError).Padding(0, 1),
		},
	}
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (c *Console) Phase(name string) {
	c.println(c.st.phase.Render("▶ " + name))
}

func (c *Console) Info(format string, args ...any) {
	c.println(c.st.info.Render("• " + fmt.Sprintf(format, args...)))
}

func (c *Console) Success(format string, args ...any) {
	c.println(c.st.success.Render("✓ " + fmt.Sprintf(format, args...)))
}

func (c *Console) Warn(format string, args ...any) {
	c.println(c.st.warning.Render("⚠ " + fmt.Sprintf(format, args...)))
}

func (c *Console) Error(format string, args ...any) {
	c.println(c.st.err.Render("✗ " + fmt.Sprintf(format, args...)))
}

func (c *Console) Muted(format string, args ...any) {
	c.println(c.st.muted.Render(fmt.Sprintf(format, args...)))
}

// Tone selects the border colour of a Box.
type Tone int

const (
	ToneInfo Tone = iota
	ToneWarning
	ToneError
)

// Box prints a bordered block with a title line.
func (c *Console) Box(tone Tone, title string, lines ...string) {
	style := c.st.box
	switch tone {
	case ToneWarning:
		style = c.st.warnBox
	case ToneError:
		style = c.st.errBox
	}
	body := title
	if len(lines) > 0 {
		body += "\n\n" + strings.Join(lines, "\n")
	}
	c.println(style.Render(body))
}

func (c *Console) println(s string) {
	_, _ = fmt.Fprintln(c.out, s)
}
