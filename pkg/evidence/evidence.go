// Package evidence renders tool outcomes into text. Every rendering is a pure
// function of the outcome: fields present in the payload are shown, absent
// fields are omitted, and counts are exact. Stored todos always carry a notes
// field, so an empty notes string is rendered as if notes were absent.
package evidence

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/odvcencio/errand/pkg/conversation"
)

// Payload kinds with dedicated renderings.
const (
	kindTodo    = "todo"
	kindList    = "todo_list"
	kindChange  = "todo_change"
	kindDeleted = "todo_deleted"
)

// statusOrder fixes the order of per-status counts; unknown statuses follow alphabetically.
var statusOrder = []string{"pending", "in_progress", "completed"}

// todoFieldOrder fixes the order of record fields.
var todoFieldOrder = []string{"title", "status", "priority", "notes"}

// Format renders one tool outcome block.
func Format(b conversation.Block) string {
	name := b.Tool
	if name == "" {
		name = "tool"
	}

	if b.Failure != nil {
		if b.Duplicate {
			return fmt.Sprintf("%s skipped: %s", name, b.Failure.Message)
		}
		return fmt.Sprintf("%s failed (%s): %s", name, b.Failure.Code, b.Failure.Message)
	}

	kind, _ := b.Payload["kind"].(string)
	switch kind {
	case kindTodo:
		return name + ": " + formatTodoPayload(b.Payload)
	case kindList:
		return name + ": " + formatList(b.Payload)
	case kindChange:
		return name + ": " + formatChange(b.Payload)
	case kindDeleted:
		return name + ": deleted " + formatRecord(asMap(b.Payload["todo"]))
	default:
		return name + ": " + formatGeneric(b.Payload)
	}
}

// FormatAll renders each outcome in order.
func FormatAll(outcomes []conversation.Block) []string {
	out := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, Format(o))
	}
	return out
}

func formatTodoPayload(p map[string]any) string {
	record := formatRecord(asMap(p["todo"]))
	if action, ok := p["action"].(string); ok && action != "" {
		return action + " " + record
	}
	return record
}

// formatRecord renders "todo #ID "title" (status: s, priority: p)" plus notes.
func formatRecord(rec map[string]any) string {
	var sb strings.Builder
	sb.WriteString("todo")
	if id, ok := rec["id"]; ok {
		sb.WriteString(" #" + scalar(id))
	}
	if title, ok := rec["title"]; ok {
		sb.WriteString(" " + scalar(title))
	}

	var attrs []string
	for _, field := range []string{"status", "priority"} {
		if v, ok := rec[field]; ok {
			attrs = append(attrs, field+": "+plain(v))
		}
	}
	for _, field := range extraFields(rec) {
		attrs = append(attrs, field+": "+scalar(rec[field]))
	}
	if len(attrs) > 0 {
		sb.WriteString(" (" + strings.Join(attrs, ", ") + ")")
	}
	if notes, ok := rec["notes"]; ok && plain(notes) != "" {
		sb.WriteString("\n  notes: " + scalar(notes))
	}
	return sb.String()
}

func formatList(p map[string]any) string {
	items := asSlice(p["items"])
	total := len(items)
	if n, ok := toInt(p["total"]); ok {
		total = n
	}

	var sb strings.Builder
	sb.WriteString(plural(total, "todo"))
	if filter, ok := p["filter"].(string); ok && filter != "" {
		sb.WriteString(" with status " + filter)
	}

	counts := asMap(p["counts"])
	if len(counts) > 0 {
		var parts []string
		for _, status := range orderedKeys(counts, statusOrder) {
			n, _ := toInt(counts[status])
			parts = append(parts, fmt.Sprintf("%s %d", status, n))
		}
		sb.WriteString("\n  by status: " + strings.Join(parts, ", "))
	}

	for _, raw := range items {
		rec := asMap(raw)
		line := "\n  -"
		if id, ok := rec["id"]; ok {
			line += " #" + scalar(id)
		}
		if title, ok := rec["title"]; ok {
			line += " " + scalar(title)
		}
		var attrs []string
		for _, field := range []string{"status", "priority"} {
			if v, ok := rec[field]; ok {
				attrs = append(attrs, plain(v))
			}
		}
		if len(attrs) > 0 {
			line += " [" + strings.Join(attrs, ", ") + "]"
		}
		if notes, ok := rec["notes"]; ok && plain(notes) != "" {
			line += " notes: " + scalar(notes)
		}
		sb.WriteString(line)
	}
	return sb.String()
}

func formatChange(p map[string]any) string {
	before := asMap(p["before"])
	after := asMap(p["after"])

	var sb strings.Builder
	sb.WriteString("updated todo")
	id, ok := p["id"]
	if !ok {
		id, ok = after["id"]
	}
	if ok {
		sb.WriteString(" #" + scalar(id))
	}
	if title, ok := after["title"]; ok {
		sb.WriteString(" " + scalar(title))
	}

	changes := Diff(before, after)
	if len(changes) == 0 {
		sb.WriteString("\n  no fields changed")
		return sb.String()
	}
	for _, c := range changes {
		sb.WriteString("\n  " + c.String())
	}
	return sb.String()
}

func formatGeneric(p map[string]any) string {
	if len(p) == 0 {
		return "ok (empty result)"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+scalar(p[k]))
	}
	return strings.Join(parts, ", ")
}

func extraFields(rec map[string]any) []string {
	known := map[string]bool{"id": true, "title": true, "status": true, "priority": true, "notes": true}
	var extra []string
	for k := range rec {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

// orderedKeys returns keys in preferred order first, then the rest alphabetically.
func orderedKeys(m map[string]any, preferred []string) []string {
	seen := make(map[string]bool, len(m))
	var out []string
	for _, k := range preferred {
		if _, ok := m[k]; ok {
			out = append(out, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// scalar renders a value unambiguously: strings quoted, numbers exact, composites as JSON.
func scalar(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// plain renders strings without quotes; used for enum-like fields.
func plain(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return scalar(v)
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), n == math.Trunc(n)
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out
	}
	return nil
}
