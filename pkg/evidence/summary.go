package evidence

import (
	"strings"

	"github.com/odvcencio/errand/pkg/conversation"
)

// Summarize builds the text of an explicitly incomplete result from the
// outcomes gathered so far. label names the condition that ended the run.
func Summarize(label string, outcomes []conversation.Block) string {
	var sb strings.Builder
	sb.WriteString("[incomplete] ")
	sb.WriteString(label)

	if len(outcomes) == 0 {
		sb.WriteString("\nNo tool actions were executed, so nothing was changed.")
		return sb.String()
	}

	succeeded, failed, skipped := Tally(outcomes)
	sb.WriteString("\nActions completed before stopping: ")
	sb.WriteString(plural(succeeded, "succeeded call"))
	sb.WriteString(", ")
	sb.WriteString(plural(failed, "failed call"))
	sb.WriteString(", ")
	sb.WriteString(plural(skipped, "skipped duplicate"))
	sb.WriteString(".")

	for _, o := range outcomes {
		sb.WriteString("\n- ")
		sb.WriteString(strings.ReplaceAll(Format(o), "\n", "\n  "))
	}
	return sb.String()
}

// Tally counts outcomes by result.
func Tally(outcomes []conversation.Block) (succeeded, failed, skipped int) {
	for _, o := range outcomes {
		switch {
		case o.Duplicate:
			skipped++
		case o.Failure != nil:
			failed++
		default:
			succeeded++
		}
	}
	return succeeded, failed, skipped
}
