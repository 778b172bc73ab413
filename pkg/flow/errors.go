package flow

import "fmt"

// DefinitionErrorCode classifies a flow definition error.
type DefinitionErrorCode string

const (
	ErrMissingStart             DefinitionErrorCode = "missing_start"
	ErrDanglingEdge             DefinitionErrorCode = "dangling_edge"
	ErrInvalidConditionBranches DefinitionErrorCode = "invalid_condition_branches"
	ErrInvalidRegex             DefinitionErrorCode = "invalid_regex"
	ErrInvalidPayload           DefinitionErrorCode = "invalid_payload"
	ErrUnknownNodeType          DefinitionErrorCode = "unknown_node_type"
)

// DefinitionError is a load-time validation failure. It blocks publishing a
// flow and never occurs mid-conversation.
type DefinitionError struct {
	Code   DefinitionErrorCode
	NodeID string
	Detail string
}

func (e *DefinitionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("flow definition error (%s) at node %q: %s", e.Code, e.NodeID, e.Detail)
	}
	return fmt.Sprintf("flow definition error (%s): %s", e.Code, e.Detail)
}

func definitionError(code DefinitionErrorCode, nodeID, format string, args ...any) *DefinitionError {
	return &DefinitionError{
		Code:   code,
		NodeID: nodeID,
		Detail: fmt.Sprintf(format, args...),
	}
}
