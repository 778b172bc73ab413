package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tcmartin/chatflow/pkg/flow"
	"github.com/tcmartin/chatflow/pkg/logging"
	"github.com/tcmartin/chatflow/pkg/utils"
)

// WebhookResult is the ephemeral outcome of a webhook call, consumed only
// by the webhook node handler.
type WebhookResult struct {
	StatusCode int           `json:"status_code"`
	Body       string        `json:"body,omitempty"`
	Parsed     interface{}   `json:"-"`
	Elapsed    time.Duration `json:"elapsed"`
	Attempts   int           `json:"attempts"`
}

// WebhookDispatcher performs the bounded outbound HTTP call of a webhook
// node: one attempt under a timeout, then exactly one retry with backoff.
// There is no exactly-once guarantee, only "at most one retry".
type WebhookDispatcher struct {
	client  *utils.HTTPClient
	timeout time.Duration
	backoff time.Duration
	logger  logging.Logger
}

// NewWebhookDispatcher creates a dispatcher with the given per-call timeout
// and retry backoff.
func NewWebhookDispatcher(timeout, backoff time.Duration, logger logging.Logger) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &WebhookDispatcher{
		client:  utils.NewHTTPClient(),
		timeout: timeout,
		backoff: backoff,
		logger:  logger,
	}
}

// Dispatch executes the webhook call for a node. URL, header values, and
// body leaves are interpolated against the conversation variables; JSON
// object bodies are enriched with the session context before sending. A
// transport error or non-2xx response triggers the single retry; if that
// also fails the returned error is final and the state machine routes it.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, payload *flow.WebhookPayload, state *ConversationState, message string) (*WebhookResult, error) {
	req := &utils.HTTPRequest{
		URL:     state.Variables.Interpolate(payload.URL),
		Method:  payload.Method,
		Timeout: d.timeout,
	}

	if len(payload.Headers) > 0 {
		req.Headers = make(map[string]string, len(payload.Headers))
		for key, value := range payload.Headers {
			req.Headers[key] = state.Variables.Interpolate(value)
		}
	}

	if payload.Method == http.MethodPost || payload.Method == http.MethodPut {
		body := state.Variables.InterpolateMap(payload.Body)
		if body == nil {
			body = map[string]interface{}{}
		}
		// Session context rides along so the receiver can correlate.
		body["session_id"] = state.SessionID
		body["flow_id"] = state.FlowID
		body["node_id"] = state.CurrentNodeID
		body["message"] = message
		body["variables"] = map[string]interface{}(state.Variables)
		req.Body = body
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := d.client.Do(ctx, req)
		if err != nil {
			lastErr = err
			d.logger.Warn("webhook attempt failed",
				logging.F("session_id", state.SessionID),
				logging.F("url", req.URL),
				logging.F("attempt", attempt),
				logging.F("error", err.Error()),
			)
			continue
		}
		if !resp.Success() {
			lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
			d.logger.Warn("webhook attempt rejected",
				logging.F("session_id", state.SessionID),
				logging.F("url", req.URL),
				logging.F("attempt", attempt),
				logging.F("status_code", resp.StatusCode),
			)
			continue
		}

		return &WebhookResult{
			StatusCode: resp.StatusCode,
			Body:       string(resp.RawBody),
			Parsed:     resp.Body,
			Elapsed:    resp.Elapsed,
			Attempts:   attempt,
		}, nil
	}

	return nil, fmt.Errorf("webhook failed after retry: %w", lastErr)
}
