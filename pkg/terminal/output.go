// Package terminal renders run progress and answers for the errand CLI:
// styled status lines while a run is in flight, markdown for the answer.
package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/odvcencio/errand/pkg/progress"
)

// Writer provides styled terminal output with markdown rendering.
type Writer struct {
	out      io.Writer
	renderer *glamour.TermRenderer
	mu       sync.Mutex

	errorStyle   lipgloss.Style
	warnStyle    lipgloss.Style
	successStyle lipgloss.Style
	infoStyle    lipgloss.Style
	dimStyle     lipgloss.Style
	headerStyle  lipgloss.Style
	phaseStyles  map[progress.Phase]lipgloss.Style
}

// Options tune a Writer.
type Options struct {
	// Plain disables colors and markdown rendering.
	Plain bool
	// Width wraps rendered markdown; 0 uses the terminal width.
	Width int
}

// New creates a Writer on stdout, plain when stdout is not a terminal or
// NO_COLOR is set.
func New() *Writer {
	plain := !IsTerminal(os.Stdout) || os.Getenv("NO_COLOR") != ""
	return NewWithOutput(os.Stdout, Options{Plain: plain})
}

// NewWithOutput creates a Writer with a custom output destination.
func NewWithOutput(out io.Writer, opts Options) *Writer {
	profile := termenv.Ascii
	if !opts.Plain {
		profile = termenv.NewOutput(out).EnvColorProfile()
	}
	r := lipgloss.NewRenderer(out, termenv.WithProfile(profile))

	w := &Writer{
		out: out,
		errorStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}).
			Bold(true),
		warnStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),
		successStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),
		infoStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),
		dimStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
		headerStyle: r.NewStyle().Bold(true),
	}
	w.phaseStyles = map[progress.Phase]lipgloss.Style{
		progress.PhasePlanning:    w.infoStyle,
		progress.PhaseExecuting:   w.successStyle,
		progress.PhaseSummarizing: w.dimStyle,
	}

	if !opts.Plain {
		width := opts.Width
		if width <= 0 {
			width = min(terminalWidth(out), 100)
		}
		w.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
	}
	return w
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Markdown renders markdown, falling back to the raw text.
func (w *Writer) Markdown(md string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.renderer == nil {
		fmt.Fprintln(w.out, md)
		return nil
	}
	rendered, err := w.renderer.Render(md)
	if err != nil {
		fmt.Fprintln(w.out, md)
		return err
	}
	fmt.Fprint(w.out, rendered)
	return nil
}

// Progress prints one status line for a progress event.
func (w *Writer) Progress(ev progress.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	style, ok := w.phaseStyles[ev.Phase]
	if !ok {
		style = w.dimStyle
	}
	if ev.Phase == progress.PhaseExecuting && strings.HasPrefix(ev.Detail, "failed") {
		style = w.warnStyle
	}
	fmt.Fprintln(w.out, style.Render(progress.Line(ev)))
}

// Answer prints the final text of a run. Partial answers get a warning
// banner naming the terminal state.
func (w *Writer) Answer(text, state string, partial bool) error {
	if partial {
		w.Warn("partial result (%s)", strings.ReplaceAll(state, "_", " "))
	}
	return w.Markdown(text)
}

// Header prints a section header.
func (w *Writer) Header(title string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, w.headerStyle.Render(title))
}

// Error prints an error message in red.
func (w *Writer) Error(format string, args ...any) {
	w.styled(w.errorStyle, "error: "+format, args...)
}

// Warn prints a warning message in yellow.
func (w *Writer) Warn(format string, args ...any) {
	w.styled(w.warnStyle, "warning: "+format, args...)
}

// Success prints a success message in green.
func (w *Writer) Success(format string, args ...any) {
	w.styled(w.successStyle, format, args...)
}

// Dim prints secondary text.
func (w *Writer) Dim(format string, args ...any) {
	w.styled(w.dimStyle, format, args...)
}

func (w *Writer) styled(style lipgloss.Style, format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, style.Render(fmt.Sprintf(format, args...)))
}

func terminalWidth(out io.Writer) int {
	if f, ok := out.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return 80
}
