package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	vars := Variables{
		"name":    "Ada",
		"age":     36.0,
		"premium": true,
	}

	assert.Equal(t, "Hello Ada!", vars.Interpolate("Hello {{name}}!"))
	assert.Equal(t, "Hello Ada!", vars.Interpolate("Hello {{ name }}!"))
	assert.Equal(t, "age=36 premium=true", vars.Interpolate("age={{age}} premium={{premium}}"))
}

func TestInterpolateUnknownVariable(t *testing.T) {
	vars := Variables{}

	assert.Equal(t, "Hi ! Welcome.", vars.Interpolate("Hi {{name}}! Welcome."))
}

func TestInterpolateNumberFormatting(t *testing.T) {
	vars := Variables{"total": 12.5}

	assert.Equal(t, "total: 12.5", vars.Interpolate("total: {{total}}"))

	vars.Set("total", 3.0)
	assert.Equal(t, "total: 3", vars.Interpolate("total: {{total}}"))
}

func TestInterpolateMap(t *testing.T) {
	vars := Variables{"city": "Lagos", "count": 2.0}

	out := vars.InterpolateMap(map[string]interface{}{
		"where": "{{city}}",
		"nested": map[string]interface{}{
			"line": "count={{count}}",
		},
		"list":   []interface{}{"{{city}}", 7},
		"number": 42,
	})

	assert.Equal(t, "Lagos", out["where"])
	assert.Equal(t, "count=2", out["nested"].(map[string]interface{})["line"])
	assert.Equal(t, "Lagos", out["list"].([]interface{})[0])
	assert.Equal(t, 7, out["list"].([]interface{})[1])
	assert.Equal(t, 42, out["number"])
}

func TestInterpolateMapDoesNotMutateSource(t *testing.T) {
	vars := Variables{"name": "Ada"}
	src := map[string]interface{}{"greeting": "Hi {{name}}"}

	out := vars.InterpolateMap(src)

	assert.Equal(t, "Hi Ada", out["greeting"])
	assert.Equal(t, "Hi {{name}}", src["greeting"])
}
