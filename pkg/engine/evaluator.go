package engine

import (
	"regexp"
	"strings"

	"github.com/tcmartin/chatflow/pkg/flow"
)

// EvaluateCondition matches the user message against a condition node's
// payload. The condition value is interpolated first. The outcome routes
// only to the true/false edges; evaluation itself never fails at runtime —
// a regex that cannot be applied counts as no match.
func EvaluateCondition(payload *flow.ConditionPayload, vars Variables, message string) bool {
	value := vars.Interpolate(payload.ConditionValue)

	switch payload.ConditionType {
	case flow.ConditionContains:
		return strings.Contains(strings.ToLower(message), strings.ToLower(value))

	case flow.ConditionEquals:
		return strings.EqualFold(strings.TrimSpace(message), strings.TrimSpace(value))

	case flow.ConditionRegex:
		pattern := payload.Pattern
		if pattern == nil {
			// The value carried placeholders, so it is compiled per
			// evaluation. Static patterns were compiled at load time.
			compiled, err := regexp.Compile("(?i)" + value)
			if err != nil {
				return false
			}
			pattern = compiled
		}
		return pattern.MatchString(message)
	}

	return false
}
