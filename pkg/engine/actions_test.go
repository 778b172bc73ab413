package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tcmartin/chatflow/pkg/flow"
)

func TestExecuteSetVariable(t *testing.T) {
	vars := Variables{"name": "Ada"}
	payload := &flow.ActionPayload{
		ActionType: flow.ActionSetVariable,
		Params: map[string]interface{}{
			"variable": "greeting",
			"value":    "Hello {{name}}",
		},
	}

	result := ExecuteAction(payload, vars)

	assert.Equal(t, ActionOK, result.Status)
	value, ok := vars.Get("greeting")
	assert.True(t, ok)
	assert.Equal(t, "Hello Ada", value)
}

func TestExecuteSetVariableNonStringValue(t *testing.T) {
	vars := Variables{}
	payload := &flow.ActionPayload{
		ActionType: flow.ActionSetVariable,
		Params: map[string]interface{}{
			"variable": "count",
			"value":    3.0,
		},
	}

	result := ExecuteAction(payload, vars)

	assert.Equal(t, ActionOK, result.Status)
	value, _ := vars.Get("count")
	assert.Equal(t, 3.0, value)
}

func TestExecuteSetVariableMissingName(t *testing.T) {
	vars := Variables{}
	payload := &flow.ActionPayload{
		ActionType: flow.ActionSetVariable,
		Params:     map[string]interface{}{"value": "orphan"},
	}

	result := ExecuteAction(payload, vars)

	assert.Equal(t, ActionOK, result.Status)
	assert.Empty(t, vars)
}

func TestExecuteNoOpActions(t *testing.T) {
	for _, at := range []flow.ActionType{flow.ActionSendEmail, flow.ActionLogEvent, flow.ActionTransferHuman} {
		result := ExecuteAction(&flow.ActionPayload{ActionType: at}, Variables{})
		assert.Equal(t, ActionNotImplemented, result.Status, string(at))
	}
}
