package loader

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/tcmartin/chatflow/pkg/flow"
)

// Loader converts authored flow content into validated definitions.
type Loader interface {
	// Parse converts YAML content into a flow definition.
	Parse(content []byte) (flow.Definition, error)

	// ParseJSON converts a flow-builder JSON document into a flow definition.
	ParseJSON(content []byte) (flow.Definition, error)

	// Validate checks content without building a definition.
	Validate(content []byte) error
}

// YAMLLoader implements the Loader interface.
type YAMLLoader struct{}

// NewLoader creates a new flow definition loader.
func NewLoader() *YAMLLoader {
	return &YAMLLoader{}
}

// Parse converts a YAML document into a flow.Definition. Structural errors
// (bad YAML, missing name, no nodes, unknown next targets) surface here;
// payload and graph validation happens in flow.Load.
func (l *YAMLLoader) Parse(content []byte) (flow.Definition, error) {
	var doc FlowDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return flow.Definition{}, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := validateDocument(doc); err != nil {
		return flow.Definition{}, err
	}

	def := flow.Definition{
		Name:        doc.Metadata.Name,
		Description: doc.Metadata.Description,
		Variables:   doc.Variables,
	}
	for _, trigger := range doc.Triggers {
		def.Triggers = append(def.Triggers, flow.Trigger{Type: trigger.Type, Value: trigger.Value})
	}

	// Iterate node ids in stable order so edge ordering is deterministic.
	ids := make([]string, 0, len(doc.Nodes))
	for id := range doc.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		nodeDef := doc.Nodes[id]
		def.Nodes = append(def.Nodes, flow.NodeDefinition{
			ID:   id,
			Type: nodeDef.Type,
			Data: nodeDef.Params,
		})

		labels := make([]string, 0, len(nodeDef.Next))
		for label := range nodeDef.Next {
			labels = append(labels, label)
		}
		sort.Strings(labels)

		for _, label := range labels {
			target := nodeDef.Next[label]
			edgeLabel := label
			if strings.EqualFold(label, "default") {
				edgeLabel = flow.LabelDefault
			}
			def.Edges = append(def.Edges, flow.Edge{Source: id, Target: target, Label: edgeLabel})
		}
	}

	return def, nil
}

// ParseJSON converts the flow-builder UI document (node and edge lists, node
// payloads nested under data) into a flow.Definition.
func (l *YAMLLoader) ParseJSON(content []byte) (flow.Definition, error) {
	var doc jsonFlowDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return flow.Definition{}, fmt.Errorf("invalid JSON: %w", err)
	}

	if doc.Name == "" {
		return flow.Definition{}, fmt.Errorf("flow name is required")
	}
	if len(doc.Nodes) == 0 {
		return flow.Definition{}, fmt.Errorf("flow must have at least one node")
	}

	def := flow.Definition{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Variables:   doc.Variables,
	}
	for _, trigger := range doc.Triggers {
		def.Triggers = append(def.Triggers, flow.Trigger{Type: trigger.Type, Value: trigger.Value})
	}
	for _, node := range doc.Nodes {
		nodeType := node.Type
		if nodeType == "" {
			// The builder sometimes nests the type under data.
			if t, ok := node.Data["type"].(string); ok {
				nodeType = t
			}
		}
		def.Nodes = append(def.Nodes, flow.NodeDefinition{ID: node.ID, Type: nodeType, Data: node.Data})
	}
	for _, edge := range doc.Edges {
		def.Edges = append(def.Edges, flow.Edge{Source: edge.Source, Target: edge.Target, Label: edge.Label})
	}

	return def, nil
}

// Validate checks whether YAML content is a loadable flow definition,
// including full graph validation.
func (l *YAMLLoader) Validate(content []byte) error {
	def, err := l.Parse(content)
	if err != nil {
		return err
	}
	_, err = flow.Load(def)
	return err
}

func validateDocument(doc FlowDocument) error {
	if doc.Metadata.Name == "" {
		return fmt.Errorf("flow name is required")
	}
	if len(doc.Nodes) == 0 {
		return fmt.Errorf("flow must have at least one node")
	}

	for id, nodeDef := range doc.Nodes {
		if nodeDef.Type == "" {
			return fmt.Errorf("node %q has no type", id)
		}
		for label, target := range nodeDef.Next {
			if _, exists := doc.Nodes[target]; !exists {
				return fmt.Errorf("node %q references non-existent node %q for label %q", id, target, label)
			}
		}
	}

	for _, trigger := range doc.Triggers {
		switch trigger.Type {
		case "keyword", "contains":
		default:
			return fmt.Errorf("unknown trigger type %q", trigger.Type)
		}
		if trigger.Value == "" {
			return fmt.Errorf("trigger of type %q has no value", trigger.Type)
		}
	}

	return nil
}
