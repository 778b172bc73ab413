// Package flow provides the conversation graph model: typed nodes, labeled
// edges, and load-time validation of flow definitions.
package flow

import "regexp"

// NodeType identifies the behavior of a node. The set is closed: adding a
// node type means adding a payload struct and a case to the state machine.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeMessage   NodeType = "message"
	NodeCondition NodeType = "condition"
	NodeAction    NodeType = "action"
	NodeWebhook   NodeType = "webhook"
	NodeInput     NodeType = "input"
	NodeEnd       NodeType = "end"
)

// Edge labels with reserved routing meaning.
const (
	LabelDefault = ""
	LabelTrue    = "true"
	LabelFalse   = "false"
	LabelInvalid = "invalid"
	LabelError   = "error"
)

// ConditionType is the matching strategy of a condition node.
type ConditionType string

const (
	ConditionContains ConditionType = "contains"
	ConditionEquals   ConditionType = "equals"
	ConditionRegex    ConditionType = "regex"
)

// InputType is the expected shape of a user reply to an input node.
type InputType string

const (
	InputEmail  InputType = "email"
	InputPhone  InputType = "phone"
	InputNumber InputType = "number"
	InputDate   InputType = "date"
	InputText   InputType = "text"
)

// ActionType identifies what an action node does. Only set_variable is
// implemented; the others are recognized no-ops so incomplete flows stay
// runnable.
type ActionType string

const (
	ActionSetVariable   ActionType = "set_variable"
	ActionSendEmail     ActionType = "send_email"
	ActionLogEvent      ActionType = "log_event"
	ActionTransferHuman ActionType = "transfer_human"
)

// MessagePayload is the payload of a message node.
type MessagePayload struct {
	Content      string   `json:"content"`
	QuickReplies []string `json:"quick_replies,omitempty"`
	DelayMs      int      `json:"delay,omitempty"`

	// WaitForReply pins the wait-vs-advance behavior explicitly. When unset,
	// a message node waits only if all of its outgoing edges are labeled
	// (a genuine conversational turn); with a default edge it auto-advances.
	WaitForReply bool `json:"wait_for_reply,omitempty"`
}

// ConditionPayload is the payload of a condition node. For regex conditions
// the pattern is compiled once at load time; a pattern that fails to compile
// is a definition error, never a runtime one. Patterns containing {{...}}
// placeholders are compiled per evaluation after interpolation.
type ConditionPayload struct {
	ConditionType  ConditionType `json:"condition_type"`
	ConditionValue string        `json:"condition_value"`

	Pattern *regexp.Regexp `json:"-"`
}

// ActionPayload is the payload of an action node. Params are parsed into a
// structured map once at load time, not re-parsed per execution.
type ActionPayload struct {
	ActionType ActionType     `json:"action_type"`
	Params     map[string]any `json:"action_params,omitempty"`
}

// WebhookPayload is the payload of a webhook node. Headers and body are
// parsed into structured maps at load time; values may contain {{...}}
// placeholders interpolated per dispatch.
type WebhookPayload struct {
	URL              string            `json:"webhook_url"`
	Method           string            `json:"method"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             map[string]any    `json:"request_body,omitempty"`
	ResponseVariable string            `json:"response_variable,omitempty"`
}

// InputPayload is the payload of an input node.
type InputPayload struct {
	InputType         InputType `json:"input_type"`
	VariableName      string    `json:"variable_name"`
	Prompt            string    `json:"prompt,omitempty"`
	ValidationPattern string    `json:"validation_pattern,omitempty"`

	Pattern *regexp.Regexp `json:"-"`
}

// EndPayload is the payload of an end node.
type EndPayload struct {
	Content string `json:"content,omitempty"`
}

// Node is one typed unit of behavior in a flow graph. Exactly one payload
// field matching Type is set; the others are nil.
type Node struct {
	ID   string
	Type NodeType

	Message   *MessagePayload
	Condition *ConditionPayload
	Action    *ActionPayload
	Webhook   *WebhookPayload
	Input     *InputPayload
	End       *EndPayload
}

// Edge is a labeled transition between two nodes. An empty label is the
// default edge taken when no labeled edge matches.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Trigger attaches a flow to incoming messages so the hosting service can
// pick a flow for a brand-new session.
type Trigger struct {
	Type  string `json:"type"` // "keyword" or "contains"
	Value string `json:"value"`
}

// Definition is the neutral, transport-independent form of a flow produced
// by the loader and consumed by Load.
type Definition struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Nodes       []NodeDefinition   `json:"nodes"`
	Edges       []Edge             `json:"edges"`
	Triggers    []Trigger          `json:"triggers,omitempty"`
	Variables   map[string]any     `json:"variables,omitempty"`
}

// NodeDefinition is a single node as authored, before payload typing.
type NodeDefinition struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}
