package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EntityKind separates the two sides of a pairing.
type EntityKind string

// Entity kinds.
const (
	KindTutor   EntityKind = "tutor"
	KindStudent EntityKind = "student"
)

// ParseEntityKind validates a wire value.
func ParseEntityKind(s string) (EntityKind, error) {
	switch k := EntityKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindTutor, KindStudent:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown entity kind %q", ErrValidation, s)
	}
}

// Entity is a tutor or student with free-form profile attributes.
type Entity struct {
	ID         string
	Kind       EntityKind
	Attributes map[string]any
}

// Float returns a numeric attribute. Strings holding numbers are accepted
// because attributes often arrive from loosely typed sources.
func (e Entity) Float(name string) (float64, bool) {
	v, ok := e.Attributes[name]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// String returns a non-empty string attribute.
func (e Entity) String(name string) (string, bool) {
	v, ok := e.Attributes[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
