package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleDefinition() Definition {
	return Definition{
		ID:   "flow-1",
		Name: "greeting",
		Nodes: []NodeDefinition{
			{ID: "start", Type: "start"},
			{ID: "hello", Type: "message", Data: map[string]any{
				"content":       "Hi! {{name}}?",
				"quick_replies": []any{"Yes", "No"},
			}},
			{ID: "check", Type: "condition", Data: map[string]any{
				"condition_type":  "equals",
				"condition_value": "yes",
			}},
			{ID: "bye", Type: "end", Data: map[string]any{"content": "Bye"}},
		},
		Edges: []Edge{
			{Source: "start", Target: "hello"},
			{Source: "hello", Target: "check"},
			{Source: "check", Target: "bye", Label: "true"},
			{Source: "check", Target: "bye", Label: "false"},
		},
	}
}

func TestLoadSimpleFlow(t *testing.T) {
	g, err := Load(simpleDefinition())
	require.NoError(t, err)

	assert.Equal(t, "start", g.StartID)
	assert.Equal(t, NodeMessage, g.Node("hello").Type)
	assert.Equal(t, "Hi! {{name}}?", g.Node("hello").Message.Content)
	assert.Equal(t, []string{"Yes", "No"}, g.Node("hello").Message.QuickReplies)
}

func TestStartAlwaysHasSingleDefaultEdge(t *testing.T) {
	g, err := Load(simpleDefinition())
	require.NoError(t, err)

	// Dispatching start selects exactly one default edge.
	assert.Equal(t, "hello", g.Next("start", ""))
}

func TestLoadMissingStart(t *testing.T) {
	def := simpleDefinition()
	def.Nodes = def.Nodes[1:]
	def.Edges = def.Edges[1:]

	_, err := Load(def)
	require.Error(t, err)

	defErr, ok := err.(*DefinitionError)
	require.True(t, ok)
	assert.Equal(t, ErrMissingStart, defErr.Code)
}

func TestLoadMultipleStarts(t *testing.T) {
	def := simpleDefinition()
	def.Nodes = append(def.Nodes, NodeDefinition{ID: "start2", Type: "start"})

	_, err := Load(def)
	require.Error(t, err)
	assert.Equal(t, ErrMissingStart, err.(*DefinitionError).Code)
}

func TestLoadStartWithIncomingDefaultEdge(t *testing.T) {
	def := simpleDefinition()
	def.Edges = append(def.Edges, Edge{Source: "bye", Target: "start"})

	_, err := Load(def)
	require.Error(t, err)
	assert.Equal(t, ErrMissingStart, err.(*DefinitionError).Code)
}

func TestLoadDanglingEdge(t *testing.T) {
	def := simpleDefinition()
	def.Edges = append(def.Edges, Edge{Source: "hello", Target: "nowhere", Label: "x"})

	_, err := Load(def)
	require.Error(t, err)
	assert.Equal(t, ErrDanglingEdge, err.(*DefinitionError).Code)
}

func TestLoadInvalidConditionBranches(t *testing.T) {
	def := simpleDefinition()
	def.Edges = append(def.Edges, Edge{Source: "check", Target: "bye", Label: "maybe"})

	_, err := Load(def)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidConditionBranches, err.(*DefinitionError).Code)
}

func TestLoadInvalidRegexCondition(t *testing.T) {
	def := simpleDefinition()
	def.Nodes[2].Data = map[string]any{
		"condition_type":  "regex",
		"condition_value": "([unclosed",
	}

	_, err := Load(def)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidRegex, err.(*DefinitionError).Code)
}

func TestLoadInvalidValidationPattern(t *testing.T) {
	def := simpleDefinition()
	def.Nodes = append(def.Nodes, NodeDefinition{ID: "ask", Type: "input", Data: map[string]any{
		"input_type":         "text",
		"variable_name":      "answer",
		"validation_pattern": "([broken",
	}})

	_, err := Load(def)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidRegex, err.(*DefinitionError).Code)
}

func TestLoadParsesSerializedParamsOnce(t *testing.T) {
	def := simpleDefinition()
	def.Nodes = append(def.Nodes,
		NodeDefinition{ID: "act", Type: "action", Data: map[string]any{
			"action_type":   "set_variable",
			"action_params": `{"variable": "greeted", "value": "true"}`,
		}},
		NodeDefinition{ID: "hook", Type: "webhook", Data: map[string]any{
			"webhook_url":  "https://example.com/hook",
			"headers":      `{"X-Token": "abc"}`,
			"request_body": `{"source": "bot"}`,
		}},
	)

	g, err := Load(def)
	require.NoError(t, err)

	act := g.Node("act")
	assert.Equal(t, "greeted", act.Action.Params["variable"])

	hook := g.Node("hook")
	assert.Equal(t, "POST", hook.Webhook.Method)
	assert.Equal(t, "abc", hook.Webhook.Headers["X-Token"])
	assert.Equal(t, "bot", hook.Webhook.Body["source"])
}

func TestNextRouting(t *testing.T) {
	g, err := Load(simpleDefinition())
	require.NoError(t, err)

	assert.Equal(t, "bye", g.Next("check", "true"))
	assert.Equal(t, "bye", g.Next("check", "FALSE"))
	// No matching label and no default edge means implicit end.
	assert.Equal(t, "", g.Next("check", "maybe"))
	assert.Equal(t, "", g.Next("bye", ""))
}

func TestMessageWaits(t *testing.T) {
	def := simpleDefinition()
	// hello has a default edge, so it auto-advances.
	g, err := Load(def)
	require.NoError(t, err)
	assert.False(t, g.MessageWaits(g.Node("hello")))

	// Replace the default edge with labeled ones: now it is a turn.
	def.Edges[1] = Edge{Source: "hello", Target: "check", Label: "yes"}
	g, err = Load(def)
	require.NoError(t, err)
	assert.True(t, g.MessageWaits(g.Node("hello")))

	// Explicit override wins regardless of edges.
	def = simpleDefinition()
	def.Nodes[1].Data["wait_for_reply"] = true
	g, err = Load(def)
	require.NoError(t, err)
	assert.True(t, g.MessageWaits(g.Node("hello")))
}
