package engine

import (
	"fmt"
	"regexp"
	"strconv"
)

// placeholderPattern matches {{name}} occurrences, tolerating inner spaces.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Variables is the conversation-scoped key/value memory. Values are scalars
// (string, number, bool); lifetime equals the conversation's.
type Variables map[string]interface{}

// Set stores a value under name.
func (v Variables) Set(name string, value interface{}) {
	v[name] = value
}

// Get returns the value stored under name.
func (v Variables) Get(name string) (interface{}, bool) {
	value, ok := v[name]
	return value, ok
}

// Interpolate replaces each {{name}} occurrence in the template with the
// stored value's string form. Unknown names resolve to the empty string;
// interpolation is purely textual, with no expressions or arithmetic.
func (v Variables) Interpolate(template string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := v[name]
		if !ok {
			return ""
		}
		return formatValue(value)
	})
}

// InterpolateMap interpolates every string leaf of a structured map,
// returning a copy. Non-string leaves pass through unchanged.
func (v Variables) InterpolateMap(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		out[key] = v.interpolateValue(value)
	}
	return out
}

func (v Variables) interpolateValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case string:
		return v.Interpolate(typed)
	case map[string]interface{}:
		return v.InterpolateMap(typed)
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = v.interpolateValue(item)
		}
		return out
	default:
		return value
	}
}

// formatValue renders a scalar the way it reads in chat: numbers without
// exponent noise, bools as true/false.
func formatValue(value interface{}) string {
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
