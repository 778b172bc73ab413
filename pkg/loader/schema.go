// Package loader parses authored flow definitions (YAML from designers,
// JSON from the flow-builder UI) into the neutral flow.Definition form.
package loader

// FlowDocument is the YAML schema for a flow definition.
type FlowDocument struct {
	Metadata  Metadata               `yaml:"metadata"`
	Variables map[string]interface{} `yaml:"variables,omitempty"`
	Triggers  []TriggerDef           `yaml:"triggers,omitempty"`
	Nodes     map[string]NodeDef     `yaml:"nodes"`
}

// Metadata describes the flow.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// TriggerDef attaches the flow to incoming messages.
type TriggerDef struct {
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

// NodeDef is a single node. Type-specific fields are collected inline and
// validated when the definition is compiled into a graph. Next maps edge
// labels to target node ids; the "default" label is the unlabeled edge.
type NodeDef struct {
	Type   string                 `yaml:"type"`
	Next   map[string]string      `yaml:"next,omitempty"`
	Params map[string]interface{} `yaml:",inline"`
}

// jsonFlowDocument is the JSON schema posted by the flow-builder UI, which
// ships nodes and edges as flat lists.
type jsonFlowDocument struct {
	ID          string                 `json:"id,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	Triggers    []jsonTrigger          `json:"triggers,omitempty"`
	Nodes       []jsonNode             `json:"nodes"`
	Edges       []jsonEdge             `json:"edges"`
}

type jsonTrigger struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type jsonNode struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

type jsonEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}
