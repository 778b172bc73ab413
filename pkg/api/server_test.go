package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/chatflow/pkg/broadcast"
	"github.com/tcmartin/chatflow/pkg/config"
	"github.com/tcmartin/chatflow/pkg/engine"
	"github.com/tcmartin/chatflow/pkg/loader"
	"github.com/tcmartin/chatflow/pkg/logging"
	"github.com/tcmartin/chatflow/pkg/registry"
	"github.com/tcmartin/chatflow/pkg/storage"
)

const supportFlowYAML = `
metadata:
  name: Support intake
triggers:
  - type: keyword
    value: help
nodes:
  start:
    type: start
    next:
      default: ask
  ask:
    type: input
    input_type: text
    variable_name: issue
    prompt: "What do you need help with?"
    next:
      default: done
  done:
    type: end
    content: "Got it, we'll look into: {{issue}}"
`

type nopSender struct{}

func (nopSender) SendBroadcast(context.Context, string, engine.SendMessage) error { return nil }

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	provider := storage.NewMemoryProvider()
	logger := logging.NewNopLogger()
	reg := registry.NewFlowRegistry(provider.FlowStore(), loader.NewLoader(), logger)
	eng := engine.NewEngine(reg, provider.ConversationStore(), engine.Options{
		WebhookBackoff: 10 * time.Millisecond,
	}, logger)
	scheduler := broadcast.NewScheduler(provider.BroadcastStore(), provider.ConversationStore(), nopSender{}, logger)

	srv := NewServer(config.DefaultConfig(), reg, eng, provider.ConversationStore(), scheduler, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func createAndPublishFlow(t *testing.T, baseURL string) storage.FlowRecord {
	t.Helper()
	resp, err := http.Post(baseURL+"/api/v1/flows", "application/yaml", strings.NewReader(supportFlowYAML))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var record storage.FlowRecord
	decodeBody(t, resp, &record)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/flows/%s/publish", baseURL, record.FlowID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &record)
	require.True(t, record.Published)
	return record
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestFlowLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	record := createAndPublishFlow(t, ts.URL)

	resp, err := http.Get(ts.URL + "/api/v1/flows")
	require.NoError(t, err)
	var list []storage.FlowRecord
	decodeBody(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "Support intake", list[0].Name)

	resp, err = http.Get(fmt.Sprintf("%s/api/v1/flows/%s/versions", ts.URL, record.FlowID))
	require.NoError(t, err)
	var versions []storage.FlowRecord
	decodeBody(t, resp, &versions)
	assert.Len(t, versions, 1)

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/flows/%s", ts.URL, record.FlowID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(fmt.Sprintf("%s/api/v1/flows/%s", ts.URL, record.FlowID))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateFlowRejectsBadYAML(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/flows", "application/yaml", strings.NewReader("nodes: {}\n"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestEventConversationOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	record := createAndPublishFlow(t, ts.URL)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/events", map[string]string{
		"session_id": "s1",
		"flow_id":    record.FlowID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result engine.ProcessResult
	decodeBody(t, resp, &result)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "What do you need help with?", result.Messages[0].Content)
	assert.Equal(t, engine.StatusWaiting, result.State.Status)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/events", map[string]string{
		"session_id":   "s1",
		"user_message": "my order is late",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &result)
	assert.Equal(t, "Got it, we'll look into: my order is late", result.Messages[0].Content)
	assert.Equal(t, engine.StatusCompleted, result.State.Status)

	// The session can be inspected afterwards.
	getResp, err := http.Get(ts.URL + "/api/v1/sessions/s1")
	require.NoError(t, err)
	var state engine.ConversationState
	decodeBody(t, getResp, &state)
	assert.Equal(t, "my order is late", state.Variables["issue"])

	// Further events are rejected.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/events", map[string]string{
		"session_id":   "s1",
		"user_message": "hello?",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestEventTriggerMatching(t *testing.T) {
	_, ts := newTestServer(t)
	createAndPublishFlow(t, ts.URL)

	// No flow_id: the keyword trigger picks the flow.
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/events", map[string]string{
		"session_id":   "s1",
		"user_message": "I need HELP with billing",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result engine.ProcessResult
	decodeBody(t, resp, &result)
	assert.Equal(t, engine.StatusWaiting, result.State.Status)

	// No trigger match and no flow_id: nothing to run.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/events", map[string]string{
		"session_id":   "s2",
		"user_message": "good morning",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestBroadcastEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/broadcasts", map[string]interface{}{
		"name":     "Weekly news",
		"message":  "Hello {{name}}",
		"schedule": "0 9 * * MON",
		"enabled":  true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created storage.Broadcast
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/broadcasts/%s/send", ts.URL, created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sendResult map[string]int
	decodeBody(t, resp, &sendResult)
	assert.Equal(t, 0, sendResult["sent"])

	resp = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/v1/broadcasts/%s", ts.URL, created.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/broadcasts", map[string]interface{}{
		"message":  "bad schedule",
		"schedule": "nonsense",
		"enabled":  true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestTranscriptWebSocketStreaming(t *testing.T) {
	_, ts := newTestServer(t)
	record := createAndPublishFlow(t, ts.URL)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/transcripts"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "session_id": "*"}))

	// Round-trip a ping so the subscription is registered before the event.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong map[string]string
	require.NoError(t, conn.ReadJSON(&pong))
	require.Equal(t, "pong", pong["type"])

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/events", map[string]string{
		"session_id": "s1",
		"flow_id":    record.FlowID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event engine.TranscriptEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "s1", event.SessionID)
	assert.Equal(t, engine.StatusWaiting, event.Status)
	require.Len(t, event.Outbound, 1)
	assert.Equal(t, "What do you need help with?", event.Outbound[0].Content)
}
