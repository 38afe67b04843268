package toolrunner

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Signature identifies an invocation for deduplication: the tool name and a
// canonical serialization of its arguments in which object keys are sorted
// at every depth and numerically equal numbers encode identically.
func Signature(toolName string, args map[string]any) string {
	return toolName + "\x00" + canonicalJSON(args)
}

func canonicalJSON(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		// unserializable arguments never match anything else
		return "!" + err.Error()
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	// encoding/json writes map keys in sorted order
	out, err := json.Marshal(normalize(v))
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			x[k] = normalize(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = normalize(item)
		}
		return x
	case json.Number:
		return normalizeNumber(x)
	default:
		return v
	}
}

func normalizeNumber(n json.Number) json.Number {
	if i, err := n.Int64(); err == nil {
		return json.Number(strconv.FormatInt(i, 10))
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return n
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}
