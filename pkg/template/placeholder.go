package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// ErrMissingField indicates a referenced context field does not exist.
var ErrMissingField = errors.New("missing context field")

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// FieldError names the path that could not be found.
type FieldError struct {
	Path string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMissingField, e.Path)
}

func (e *FieldError) Unwrap() error {
	return ErrMissingField
}

// Path normalizes a field reference into a JSONPath expression: "user.email"
// becomes "$.user.email" while "$.user.email" is kept as is.
func Path(field string) string {
	field = strings.TrimSpace(field)
	if strings.HasPrefix(field, "$") {
		return field
	}

	return "$." + field
}

// Lookup reads a field from the run context. The second result is false when
// the field does not exist; a present field holding null returns (nil, true).
func Lookup(ctx map[string]any, field string) (any, bool) {
	value, err := jsonpath.JsonPathLookup(ctx, Path(field))
	if err != nil {
		return nil, false
	}

	return value, true
}

// HasPlaceholders reports whether s contains any {{ }} reference.
func HasPlaceholders(s string) bool {
	return placeholderRe.MatchString(s)
}

// Resolve walks maps, slices and strings and replaces placeholders with
// context values. A string made of a single placeholder resolves to the raw
// value so numbers and objects keep their type.
func Resolve(value any, ctx map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Resolve(item, ctx)
			if err != nil {
				return nil, err
			}

			out[k] = resolved
		}

		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Resolve(item, ctx)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return value, nil
	}
}

// ResolveString resolves placeholders and always returns a string.
func ResolveString(s string, ctx map[string]any) (string, error) {
	resolved, err := resolveString(s, ctx)
	if err != nil {
		return "", err
	}

	return Stringify(resolved), nil
}

func resolveString(s string, ctx map[string]any) (any, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		field := s[matches[0][2]:matches[0][3]]

		value, ok := Lookup(ctx, field)
		if !ok {
			return nil, &FieldError{Path: field}
		}

		return value, nil
	}

	var b strings.Builder

	last := 0
	for _, m := range matches {
		field := s[m[2]:m[3]]

		value, ok := Lookup(ctx, field)
		if !ok {
			return nil, &FieldError{Path: field}
		}

		b.WriteString(s[last:m[0]])
		b.WriteString(Stringify(value))
		last = m[1]
	}

	b.WriteString(s[last:])

	return b.String(), nil
}

// Stringify renders a context value for interpolation into text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}

		return string(data)
	default:
		return fmt.Sprintf("%v", val)
	}
}
