package terminal

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/errand/pkg/progress"
)

func TestPlainWriterHasNoEscapes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithOutput(&buf, Options{Plain: true})

	w.Error("boom %d", 1)
	w.Warn("careful")
	w.Success("done")
	w.Dim("quiet")

	got := buf.String()
	if strings.Contains(got, "\x1b[") {
		t.Fatalf("plain output contains ANSI escapes: %q", got)
	}
	for _, want := range []string{"error: boom 1", "warning: careful", "done", "quiet"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q: %q", want, got)
		}
	}
}

func TestProgressLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithOutput(&buf, Options{Plain: true})

	w.Progress(progress.Event{
		Phase:     progress.PhaseExecuting,
		Iteration: 1,
		Tool:      "create_todo",
		Elapsed:   12 * time.Millisecond,
		Detail:    "ok",
	})

	if got, want := buf.String(), "[executing] iteration 1 create_todo (12ms): ok\n"; got != want {
		t.Errorf("Progress = %q, want %q", got, want)
	}
}

func TestAnswerMarksPartialResults(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithOutput(&buf, Options{Plain: true})

	if err := w.Answer("Stopped early.", "iteration_limit_reached", true); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "warning: partial result (iteration limit reached)") {
		t.Errorf("missing partial banner: %q", got)
	}
	if !strings.HasSuffix(got, "Stopped early.\n") {
		t.Errorf("missing answer text: %q", got)
	}

	buf.Reset()
	if err := w.Answer("All done.", "completed", false); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if got := buf.String(); got != "All done.\n" {
		t.Errorf("Answer = %q", got)
	}
}

func TestMarkdownRendersWhenStyled(t *testing.T) {
	var buf bytes.Buffer
	w := NewWithOutput(&buf, Options{Width: 60})

	if err := w.Markdown("# Todos\n\n- milk"); err != nil {
		t.Fatalf("Markdown: %v", err)
	}
	got := buf.String()
	if !strings.Contains(got, "Todos") || !strings.Contains(got, "milk") {
		t.Errorf("rendered markdown lost content: %q", got)
	}
	if strings.Contains(got, "# Todos") {
		t.Errorf("markdown heading was not rendered: %q", got)
	}
}
