package engine

import (
	"errors"
	"fmt"
)

// RuntimeErrorCode classifies unrecoverable session failures. Each maps to
// a distinct Diagnostic prefix so operators can group failures.
type RuntimeErrorCode string

const (
	// ErrInfiniteLoop means the per-event step bound was exhausted.
	ErrInfiniteLoop RuntimeErrorCode = "infinite_loop"

	// ErrUnknownNode means the state pointed at a node missing from the
	// pinned graph version.
	ErrUnknownNode RuntimeErrorCode = "unknown_node"

	// ErrWebhookFailed means a webhook call failed after its retry and no
	// error edge was available.
	ErrWebhookFailed RuntimeErrorCode = "webhook_failed"

	// ErrValidationExhausted means an input node ran out of retries and no
	// error edge was available.
	ErrValidationExhausted RuntimeErrorCode = "validation_exhausted"
)

// RuntimeError is an unrecoverable failure recorded on the conversation
// state. It terminates the session, not the engine: Process still returns
// the result with Status set to error.
type RuntimeError struct {
	Code   RuntimeErrorCode
	NodeID string
	Detail string
}

func (e *RuntimeError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s at node %s: %s", e.Code, e.NodeID, e.Detail)
}

func runtimeError(code RuntimeErrorCode, nodeID, format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{Code: code, NodeID: nodeID, Detail: fmt.Sprintf(format, args...)}
}

// ErrConversationFinished is returned by Process for events addressed to a
// session already in a terminal status.
var ErrConversationFinished = errors.New("conversation already finished")

// ErrFlowNotFound is returned when the event names a flow the provider does
// not know, or an existing session's pinned version is gone.
var ErrFlowNotFound = errors.New("flow not found")

// ErrSessionNotFound is the conversation store's miss sentinel.
var ErrSessionNotFound = errors.New("session not found")

