package engine

import (
	"context"
	"time"

	"github.com/tcmartin/chatflow/pkg/flow"
	"github.com/tcmartin/chatflow/pkg/logging"
)

// lastConditionVariable holds the outcome of the most recent condition node
// so later nodes can reference it in templates.
const lastConditionVariable = "last_condition_result"

// machine drives one event through the flow graph for one session. It is
// created per Process call and never shared; all mutation happens on the
// state it owns for the duration of the event.
type machine struct {
	graph      *flow.Graph
	state      *ConversationState
	dispatcher *WebhookDispatcher
	logger     logging.Logger

	maxSteps     int
	retryBudget  int
	historyLimit int

	message  string
	messages []SendMessage
	steps    int
}

// run processes one event. It either leaves the session waiting on a reply,
// completed, or errored; session-level failures are recorded on the state
// rather than returned, so the caller always persists the outcome.
func (m *machine) run(ctx context.Context, event Event) {
	m.message = event.Message()
	m.state.LastActivity = time.Now().UTC()

	current := m.state.CurrentNodeID
	if current == "" {
		current = m.graph.StartID
		m.recordHistory(current, m.message, "")
	} else if m.state.Status == StatusWaiting {
		m.recordHistory(current, m.message, "")
		var resumed bool
		current, resumed = m.resume(current)
		if !resumed {
			return
		}
	}

	m.state.Status = StatusActive
	m.loop(ctx, current)
}

// resume consumes the user reply at the node the session was waiting on and
// returns the node to continue from. A false result means the turn was fully
// handled in place (re-prompt or invalid input within budget).
func (m *machine) resume(nodeID string) (string, bool) {
	node := m.graph.Node(nodeID)
	if node == nil {
		m.fail(runtimeError(ErrUnknownNode, nodeID, "waiting node missing from pinned flow version"))
		return "", false
	}

	switch node.Type {
	case flow.NodeInput:
		return m.resumeInput(node)
	case flow.NodeMessage:
		return m.resumeMessage(node)
	}

	// A session can only wait on a message or input node; anything else
	// means the persisted state is corrupt.
	m.fail(runtimeError(ErrUnknownNode, nodeID, "session waiting on non-interactive node type %s", node.Type))
	return "", false
}

func (m *machine) resumeInput(node *flow.Node) (string, bool) {
	value, verr := ValidateInput(node.Input, m.message)
	if verr == nil {
		m.state.Variables.Set(node.Input.VariableName, value)
		delete(m.state.InputRetries, node.ID)
		return m.graph.Next(node.ID, flow.LabelDefault), true
	}

	m.state.InputRetries[node.ID]++
	retries := m.state.InputRetries[node.ID]
	m.logger.LogConversationEvent(m.state.SessionID, m.state.FlowID, "input_rejected", map[string]interface{}{
		"node_id": node.ID,
		"retries": retries,
	})

	if retries >= m.retryBudget {
		delete(m.state.InputRetries, node.ID)
		if m.graph.HasEdge(node.ID, flow.LabelError) {
			return m.graph.Next(node.ID, flow.LabelError), true
		}
		m.fail(runtimeError(ErrValidationExhausted, node.ID,
			"input failed validation %d times", retries))
		return "", false
	}

	if m.graph.HasEdge(node.ID, flow.LabelInvalid) {
		return m.graph.Next(node.ID, flow.LabelInvalid), true
	}

	m.emit(SendMessage{Content: verr.Message})
	m.state.Status = StatusWaiting
	return "", false
}

func (m *machine) resumeMessage(node *flow.Node) (string, bool) {
	target := m.graph.Next(node.ID, m.message)
	if target == "" {
		// No edge matched the reply and there is no default: repeat the
		// question and keep waiting.
		m.emitMessage(node)
		m.state.Status = StatusWaiting
		return "", false
	}
	return target, true
}

// loop advances node by node from current until the session waits,
// completes, or errors. The step bound turns authoring cycles into a
// session error instead of a hung worker.
func (m *machine) loop(ctx context.Context, current string) {
	for current != "" {
		m.steps++
		if m.steps > m.maxSteps {
			m.fail(runtimeError(ErrInfiniteLoop, current,
				"exceeded %d steps in one event", m.maxSteps))
			return
		}

		node := m.graph.Node(current)
		if node == nil {
			m.fail(runtimeError(ErrUnknownNode, current, "node missing from pinned flow version"))
			return
		}

		m.state.CurrentNodeID = node.ID
		m.logger.LogNodeExecution(m.state.SessionID, m.state.FlowID, node.ID, string(node.Type), nil)

		switch node.Type {
		case flow.NodeStart:
			current = m.graph.Next(node.ID, flow.LabelDefault)

		case flow.NodeMessage:
			m.emitMessage(node)
			if m.graph.MessageWaits(node) {
				m.state.Status = StatusWaiting
				return
			}
			current = m.graph.Next(node.ID, flow.LabelDefault)

		case flow.NodeCondition:
			result := EvaluateCondition(node.Condition, m.state.Variables, m.message)
			m.state.Variables.Set(lastConditionVariable, result)
			label := flow.LabelFalse
			if result {
				label = flow.LabelTrue
			}
			current = m.graph.Next(node.ID, label)

		case flow.NodeAction:
			outcome := ExecuteAction(node.Action, m.state.Variables)
			if outcome.Status == ActionNotImplemented {
				m.logger.LogConversationEvent(m.state.SessionID, m.state.FlowID, "action_skipped", map[string]interface{}{
					"node_id":     node.ID,
					"action_type": string(outcome.ActionType),
					"detail":      outcome.Detail,
				})
			}
			current = m.graph.Next(node.ID, flow.LabelDefault)

		case flow.NodeWebhook:
			next, ok := m.runWebhook(ctx, node)
			if !ok {
				return
			}
			current = next

		case flow.NodeInput:
			prompt := m.state.Variables.Interpolate(node.Input.Prompt)
			if prompt != "" {
				m.emit(SendMessage{Content: prompt})
				m.recordHistory(node.ID, "", prompt)
			}
			m.state.Status = StatusWaiting
			return

		case flow.NodeEnd:
			if node.End.Content != "" {
				content := m.state.Variables.Interpolate(node.End.Content)
				m.emit(SendMessage{Content: content})
				m.recordHistory(node.ID, "", content)
			}
			m.state.Status = StatusCompleted
			return
		}
	}

	// Ran off the graph: a node without a matching outgoing edge is an
	// implicit end.
	m.state.Status = StatusCompleted
}

// runWebhook executes the webhook node and applies the response contract.
// A false result means the session is no longer runnable this event.
func (m *machine) runWebhook(ctx context.Context, node *flow.Node) (string, bool) {
	result, err := m.dispatcher.Dispatch(ctx, node.Webhook, m.state, m.message)
	if err != nil {
		if m.graph.HasEdge(node.ID, flow.LabelError) {
			m.logger.LogConversationEvent(m.state.SessionID, m.state.FlowID, "webhook_error_edge", map[string]interface{}{
				"node_id": node.ID,
				"error":   err.Error(),
			})
			return m.graph.Next(node.ID, flow.LabelError), true
		}
		m.fail(runtimeError(ErrWebhookFailed, node.ID, "%v", err))
		return "", false
	}

	if node.Webhook.ResponseVariable != "" {
		m.state.Variables.Set(node.Webhook.ResponseVariable, result.Body)
	}

	if parsed, ok := result.Parsed.(map[string]interface{}); ok {
		if vars, ok := parsed["variables"].(map[string]interface{}); ok {
			for name, value := range vars {
				m.state.Variables.Set(name, value)
			}
		}
		if reply, ok := parsed["message"].(string); ok && reply != "" {
			m.emit(SendMessage{Content: reply})
			m.recordHistory(node.ID, "", reply)
		}
	}

	return m.graph.Next(node.ID, flow.LabelDefault), true
}

func (m *machine) emitMessage(node *flow.Node) {
	content := m.state.Variables.Interpolate(node.Message.Content)
	m.emit(SendMessage{
		Content:      content,
		QuickReplies: node.Message.QuickReplies,
		DelayMs:      node.Message.DelayMs,
	})
	m.recordHistory(node.ID, "", content)
}

func (m *machine) emit(msg SendMessage) {
	m.messages = append(m.messages, msg)
}

// fail marks the session errored with a diagnostic. It is a session
// outcome, not an engine failure.
func (m *machine) fail(rerr *RuntimeError) {
	m.state.Status = StatusError
	m.state.Diagnostic = rerr.Error()
	if rerr.NodeID != "" {
		m.state.CurrentNodeID = rerr.NodeID
	}
	m.logger.Error("conversation errored",
		logging.F("session_id", m.state.SessionID),
		logging.F("flow_id", m.state.FlowID),
		logging.F("code", string(rerr.Code)),
		logging.F("node_id", rerr.NodeID),
		logging.F("detail", rerr.Detail),
	)
}

func (m *machine) recordHistory(nodeID, inbound, outbound string) {
	if m.historyLimit <= 0 {
		return
	}
	m.state.History = append(m.state.History, HistoryEntry{
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		Inbound:   inbound,
		Outbound:  outbound,
	})
	if excess := len(m.state.History) - m.historyLimit; excess > 0 {
		m.state.History = m.state.History[excess:]
	}
}
