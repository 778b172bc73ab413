package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tcmartin/chatflow/pkg/flow"
)

var (
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	phoneStrip   = regexp.MustCompile(`[\s\-().]`)
	digitsOnly   = regexp.MustCompile(`^[0-9]+$`)
)

// Date layouts accepted for date inputs, normalized to ISO-8601.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ValidationError is a recoverable input failure carrying the re-prompt
// message shown to the user.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateInput checks a raw user reply against an input node's payload and
// returns the normalized value to store. Failures are recoverable: the
// state machine re-prompts within the retry budget.
func ValidateInput(payload *flow.InputPayload, raw string) (string, *ValidationError) {
	value := strings.TrimSpace(raw)

	switch payload.InputType {
	case flow.InputEmail:
		if !emailPattern.MatchString(value) {
			return "", &ValidationError{Message: "Please enter a valid email address"}
		}
		return value, nil

	case flow.InputPhone:
		digits := phoneStrip.ReplaceAllString(value, "")
		plus := strings.HasPrefix(digits, "+")
		digits = strings.TrimPrefix(digits, "+")
		if !digitsOnly.MatchString(digits) || len(digits) < 7 || len(digits) > 15 {
			return "", &ValidationError{Message: "Please enter a valid phone number"}
		}
		if plus {
			return "+" + digits, nil
		}
		return digits, nil

	case flow.InputNumber:
		number, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", &ValidationError{Message: "Please enter a valid number"}
		}
		return strconv.FormatFloat(number, 'f', -1, 64), nil

	case flow.InputDate:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, value); err == nil {
				return parsed.Format("2006-01-02"), nil
			}
		}
		return "", &ValidationError{Message: "Please enter a valid date (YYYY-MM-DD)"}

	case flow.InputText:
		if payload.Pattern != nil && !payload.Pattern.MatchString(value) {
			return "", &ValidationError{Message: "That doesn't look right, please try again"}
		}
		return value, nil
	}

	// Unknown types are rejected at load time; treat as plain text.
	return value, nil
}
