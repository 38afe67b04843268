// Package toon renders structured tool payloads for the model. TOON is a
// compact, table-like notation; JSON remains available as a fallback.
package toon

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/alpkeskin/gotoon"
)

// Format selects the payload notation.
type Format string

const (
	FormatTOON Format = "toon"
	FormatJSON Format = "json"
	FormatNone Format = "none"
)

// ParseFormat maps a configuration value to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatTOON:
		return FormatTOON, nil
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatNone:
		return FormatNone, nil
	}
	return "", fmt.Errorf("unknown payload format %q", s)
}

// Codec wraps gotoon serialization with JSON fallback.
type Codec struct {
	format Format
}

// New creates a codec for the given format.
func New(format Format) *Codec {
	return &Codec{format: format}
}

// Format reports the configured notation.
func (c *Codec) Format() Format {
	if c == nil {
		return FormatNone
	}
	return c.format
}

// Marshal encodes v into TOON, or JSON when TOON is not selected.
func (c *Codec) Marshal(v any) ([]byte, error) {
	if c.Format() != FormatTOON || v == nil {
		return json.Marshal(v)
	}
	encoded, err := gotoon.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("toon encode: %w", err)
	}
	return []byte(encoded), nil
}

// Unmarshal decodes JSON payloads. TOON is only ever sent to the model, so
// recovering data always goes through JSON.
func (c *Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Attach appends the encoded payload to text under a "data:" label. With
// FormatNone, an empty payload, or an encoding failure, text is returned as is.
func (c *Codec) Attach(text string, payload map[string]any) string {
	if c.Format() == FormatNone || len(payload) == 0 {
		return text
	}
	data, err := c.Marshal(payload)
	if err != nil {
		if data, err = json.Marshal(payload); err != nil {
			return text
		}
	}
	return text + "\ndata:\n" + strings.TrimRight(string(data), "\n")
}

var toonHeader = regexp.MustCompile(`^\s*[A-Za-z_][A-Za-z0-9_]*(\[\d+\])?\{[^{}]*\}:\s*$`)

// ContainsTOON reports whether s carries a TOON table or object header.
func ContainsTOON(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if toonHeader.MatchString(line) {
			return true
		}
	}
	return false
}

// SanitizeOutput removes TOON blocks a model echoed into prose: each header
// line and the indented rows below it.
func SanitizeOutput(s string) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	kept := make([]string, 0, len(lines))
	inBlock := false
	for _, line := range lines {
		if toonHeader.MatchString(line) {
			inBlock = true
			continue
		}
		if inBlock {
			if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
				continue
			}
			inBlock = false
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
