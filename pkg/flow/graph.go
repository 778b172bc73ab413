package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Graph is an immutable, validated flow graph. A single Graph instance is
// shared read-only across every session pinned to the same flow version.
type Graph struct {
	ID        string
	Name      string
	StartID   string
	Triggers  []Trigger
	Variables map[string]any

	nodes map[string]*Node
	edges map[string][]Edge
}

// Load validates a flow definition and compiles it into a Graph. All
// definition errors (missing start, dangling edges, invalid condition
// branches, invalid regexes, malformed payloads) surface here so they can
// block publishing and never occur mid-conversation.
func Load(def Definition) (*Graph, error) {
	g := &Graph{
		ID:        def.ID,
		Name:      def.Name,
		Triggers:  def.Triggers,
		Variables: def.Variables,
		nodes:     make(map[string]*Node, len(def.Nodes)),
		edges:     make(map[string][]Edge),
	}

	for _, nd := range def.Nodes {
		if nd.ID == "" {
			return nil, definitionError(ErrInvalidPayload, "", "node with empty id")
		}
		if _, exists := g.nodes[nd.ID]; exists {
			return nil, definitionError(ErrInvalidPayload, nd.ID, "duplicate node id")
		}

		node, err := buildNode(nd)
		if err != nil {
			return nil, err
		}
		g.nodes[nd.ID] = node
	}

	for _, edge := range def.Edges {
		if _, ok := g.nodes[edge.Source]; !ok {
			return nil, definitionError(ErrDanglingEdge, edge.Source, "edge source references unknown node")
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			return nil, definitionError(ErrDanglingEdge, edge.Source, "edge target %q references unknown node", edge.Target)
		}
		g.edges[edge.Source] = append(g.edges[edge.Source], edge)
	}

	if err := g.resolveStart(); err != nil {
		return nil, err
	}

	for id, node := range g.nodes {
		if node.Type != NodeCondition {
			continue
		}
		for _, edge := range g.edges[id] {
			if edge.Label != LabelTrue && edge.Label != LabelFalse {
				return nil, definitionError(ErrInvalidConditionBranches, id,
					"condition node has branch label %q, only true/false allowed", edge.Label)
			}
		}
	}

	return g, nil
}

// Node returns the node with the given id, or nil if it does not exist.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// Edges returns the outgoing edges of a node.
func (g *Graph) Edges(id string) []Edge {
	return g.edges[id]
}

// Next resolves the target of the outgoing edge of nodeID matching label.
// Label matching is case-insensitive; when no labeled edge matches, the
// unlabeled default edge is used. An empty result means the flow has no
// continuation here (implicit end).
func (g *Graph) Next(nodeID, label string) string {
	edges := g.edges[nodeID]
	if label != "" {
		for _, edge := range edges {
			if strings.EqualFold(edge.Label, strings.TrimSpace(label)) {
				return edge.Target
			}
		}
	}
	for _, edge := range edges {
		if edge.Label == LabelDefault {
			return edge.Target
		}
	}
	return ""
}

// HasEdge reports whether nodeID has an outgoing edge whose label matches
// case-insensitively.
func (g *Graph) HasEdge(nodeID, label string) bool {
	for _, edge := range g.edges[nodeID] {
		if strings.EqualFold(edge.Label, label) {
			return true
		}
	}
	return false
}

// hasLabeledEdgesOnly reports whether every outgoing edge of nodeID carries
// a label. Used by the state machine to decide whether a message node is a
// conversational turn.
func (g *Graph) hasLabeledEdgesOnly(nodeID string) bool {
	edges := g.edges[nodeID]
	if len(edges) == 0 {
		return false
	}
	for _, edge := range edges {
		if edge.Label == LabelDefault {
			return false
		}
	}
	return true
}

// MessageWaits reports whether the message node should block for a user
// reply instead of auto-advancing.
func (g *Graph) MessageWaits(node *Node) bool {
	if node.Type != NodeMessage {
		return false
	}
	if node.Message.WaitForReply {
		return true
	}
	return g.hasLabeledEdgesOnly(node.ID)
}

func (g *Graph) resolveStart() error {
	var starts []string
	for id, node := range g.nodes {
		if node.Type == NodeStart {
			starts = append(starts, id)
		}
	}
	if len(starts) == 0 {
		return definitionError(ErrMissingStart, "", "flow has no start node")
	}
	if len(starts) > 1 {
		return definitionError(ErrMissingStart, "", "flow has %d start nodes, expected exactly one", len(starts))
	}

	start := starts[0]
	for _, edges := range g.edges {
		for _, edge := range edges {
			if edge.Target == start && edge.Label == LabelDefault {
				return definitionError(ErrMissingStart, start, "start node has an incoming default edge")
			}
		}
	}

	g.StartID = start
	return nil
}

func buildNode(nd NodeDefinition) (*Node, error) {
	node := &Node{ID: nd.ID, Type: NodeType(nd.Type)}
	data := nd.Data
	if data == nil {
		data = map[string]any{}
	}

	switch node.Type {
	case NodeStart:
		// No payload.

	case NodeMessage:
		content := stringField(data, "content")
		if content == "" {
			return nil, definitionError(ErrInvalidPayload, nd.ID, "message node requires content")
		}
		node.Message = &MessagePayload{
			Content:      content,
			QuickReplies: stringSliceField(data, "quick_replies"),
			DelayMs:      intField(data, "delay"),
			WaitForReply: boolField(data, "wait_for_reply"),
		}

	case NodeCondition:
		ct := ConditionType(stringField(data, "condition_type"))
		value := stringField(data, "condition_value")
		switch ct {
		case ConditionContains, ConditionEquals:
		case ConditionRegex:
		default:
			return nil, definitionError(ErrInvalidPayload, nd.ID, "unknown condition_type %q", string(ct))
		}
		payload := &ConditionPayload{ConditionType: ct, ConditionValue: value}
		if ct == ConditionRegex && !strings.Contains(value, "{{") {
			pattern, err := regexp.Compile("(?i)" + value)
			if err != nil {
				return nil, definitionError(ErrInvalidRegex, nd.ID, "condition_value does not compile: %v", err)
			}
			payload.Pattern = pattern
		}
		node.Condition = payload

	case NodeAction:
		at := ActionType(stringField(data, "action_type"))
		if at == "" {
			return nil, definitionError(ErrInvalidPayload, nd.ID, "action node requires action_type")
		}
		params, err := mapField(data, "action_params")
		if err != nil {
			return nil, definitionError(ErrInvalidPayload, nd.ID, "action_params: %v", err)
		}
		node.Action = &ActionPayload{ActionType: at, Params: params}

	case NodeWebhook:
		url := stringField(data, "webhook_url")
		if url == "" {
			return nil, definitionError(ErrInvalidPayload, nd.ID, "webhook node requires webhook_url")
		}
		method := strings.ToUpper(stringField(data, "method"))
		if method == "" {
			method = "POST"
		}
		switch method {
		case "GET", "POST", "PUT", "DELETE":
		default:
			return nil, definitionError(ErrInvalidPayload, nd.ID, "unsupported webhook method %q", method)
		}
		headers, err := stringMapField(data, "headers")
		if err != nil {
			return nil, definitionError(ErrInvalidPayload, nd.ID, "headers: %v", err)
		}
		body, err := mapField(data, "request_body")
		if err != nil {
			return nil, definitionError(ErrInvalidPayload, nd.ID, "request_body: %v", err)
		}
		node.Webhook = &WebhookPayload{
			URL:              url,
			Method:           method,
			Headers:          headers,
			Body:             body,
			ResponseVariable: stringField(data, "response_variable"),
		}

	case NodeInput:
		it := InputType(stringField(data, "input_type"))
		if it == "" {
			it = InputText
		}
		switch it {
		case InputEmail, InputPhone, InputNumber, InputDate, InputText:
		default:
			return nil, definitionError(ErrInvalidPayload, nd.ID, "unknown input_type %q", string(it))
		}
		variable := stringField(data, "variable_name")
		if variable == "" {
			return nil, definitionError(ErrInvalidPayload, nd.ID, "input node requires variable_name")
		}
		prompt := stringField(data, "prompt")
		if prompt == "" {
			prompt = stringField(data, "content")
		}
		payload := &InputPayload{
			InputType:         it,
			VariableName:      variable,
			Prompt:            prompt,
			ValidationPattern: stringField(data, "validation_pattern"),
		}
		if payload.ValidationPattern != "" {
			pattern, err := regexp.Compile(`\A(?:` + payload.ValidationPattern + `)\z`)
			if err != nil {
				return nil, definitionError(ErrInvalidRegex, nd.ID, "validation_pattern does not compile: %v", err)
			}
			payload.Pattern = pattern
		}
		node.Input = payload

	case NodeEnd:
		node.End = &EndPayload{Content: stringField(data, "content")}

	default:
		return nil, definitionError(ErrUnknownNodeType, nd.ID, "unknown node type %q", nd.Type)
	}

	return node, nil
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func boolField(data map[string]any, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringSliceField(data map[string]any, key string) []string {
	switch v := data[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprintf("%v", item))
			}
		}
		return out
	}
	return nil
}

// mapField accepts either a structured map or a JSON-serialized object
// (authoring UIs store params as serialized text) and parses it exactly
// once, at load time.
func mapField(data map[string]any, key string) (map[string]any, error) {
	switch v := data[key].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case map[any]any:
		return normalizeMap(v), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return nil, fmt.Errorf("not a JSON object: %w", err)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("expected object or JSON string, got %T", v)
	}
}

func stringMapField(data map[string]any, key string) (map[string]string, error) {
	raw, err := mapField(data, key)
	if err != nil || raw == nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out, nil
}

// normalizeMap converts yaml.v2 style map[any]any trees into
// map[string]any so payloads have one canonical shape.
func normalizeMap(in map[any]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[fmt.Sprintf("%v", k)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch typed := v.(type) {
	case map[any]any:
		return normalizeMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
