package evidence

import (
	"reflect"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// FieldChange is one field that differs between two record states.
type FieldChange struct {
	Field     string
	Before    any
	After     any
	HadBefore bool
	HasAfter  bool
}

// String renders `field: before -> after`, with a unified diff for multi-line text.
func (c FieldChange) String() string {
	before, after := "(absent)", "(absent)"
	if c.HadBefore {
		before = scalar(c.Before)
	}
	if c.HasAfter {
		after = scalar(c.After)
	}
	line := c.Field + ": " + before + " -> " + after

	oldText, oldOK := c.Before.(string)
	newText, newOK := c.After.(string)
	if oldOK && newOK && (strings.Contains(oldText, "\n") || strings.Contains(newText, "\n")) {
		if diff := unifiedDiff(c.Field, oldText, newText); diff != "" {
			line += "\n" + indent(diff, "    ")
		}
	}
	return line
}

// Diff lists every field whose value differs between before and after,
// in record field order followed by any other fields alphabetically.
func Diff(before, after map[string]any) []FieldChange {
	union := make(map[string]any, len(before)+len(after))
	for k := range before {
		union[k] = nil
	}
	for k := range after {
		union[k] = nil
	}
	delete(union, "id")

	var changes []FieldChange
	for _, field := range orderedKeys(union, todoFieldOrder) {
		b, hadBefore := before[field]
		a, hasAfter := after[field]
		if hadBefore == hasAfter && equal(b, a) {
			continue
		}
		changes = append(changes, FieldChange{
			Field:     field,
			Before:    b,
			After:     a,
			HadBefore: hadBefore,
			HasAfter:  hasAfter,
		})
	}
	return changes
}

func equal(a, b any) bool {
	if scalar(a) == scalar(b) {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func unifiedDiff(field, oldText, newText string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: field + " (before)",
		ToFile:   field + " (after)",
		Context:  1,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return ""
	}
	return strings.TrimRight(text, "\n")
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
