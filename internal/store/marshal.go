package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/convsync/internal/ir"
)

// marshalContent converts message content to JSON TEXT for storage.
// HTML escaping is disabled so stored text matches what the sender typed.
func marshalContent(c ir.Content) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalContent parses stored JSON TEXT back to message content.
func unmarshalContent(data string) (ir.Content, error) {
	var c ir.Content
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return ir.Content{}, fmt.Errorf("unmarshal content: %w", err)
	}
	return c, nil
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
