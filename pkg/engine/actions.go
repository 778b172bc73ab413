package engine

import (
	"fmt"

	"github.com/tcmartin/chatflow/pkg/flow"
)

// ActionStatus is the outcome class of an executed action.
type ActionStatus string

const (
	// ActionOK means the action ran and took effect.
	ActionOK ActionStatus = "ok"

	// ActionNotImplemented means the action type is recognized but has no
	// implementation yet. The flow still advances so incomplete flows
	// remain runnable.
	ActionNotImplemented ActionStatus = "not_implemented"
)

// ActionResult describes what an action node did.
type ActionResult struct {
	ActionType flow.ActionType `json:"action_type"`
	Status     ActionStatus    `json:"status"`
	Detail     string          `json:"detail,omitempty"`
}

// ExecuteAction runs an action node against the conversation variables.
// set_variable interpolates the value and writes the store; the remaining
// recognized types are well-defined no-ops. Execution never fails.
func ExecuteAction(payload *flow.ActionPayload, vars Variables) ActionResult {
	switch payload.ActionType {
	case flow.ActionSetVariable:
		name, _ := payload.Params["variable"].(string)
		if name == "" {
			return ActionResult{
				ActionType: payload.ActionType,
				Status:     ActionOK,
				Detail:     "no variable name given, nothing set",
			}
		}
		value := payload.Params["value"]
		if s, ok := value.(string); ok {
			value = vars.Interpolate(s)
		}
		vars.Set(name, value)
		return ActionResult{
			ActionType: payload.ActionType,
			Status:     ActionOK,
			Detail:     fmt.Sprintf("set %s", name),
		}

	case flow.ActionSendEmail, flow.ActionLogEvent, flow.ActionTransferHuman:
		return ActionResult{
			ActionType: payload.ActionType,
			Status:     ActionNotImplemented,
			Detail:     fmt.Sprintf("action %s is recognized but not implemented", payload.ActionType),
		}
	}

	return ActionResult{
		ActionType: payload.ActionType,
		Status:     ActionNotImplemented,
		Detail:     fmt.Sprintf("unrecognized action %s", payload.ActionType),
	}
}
