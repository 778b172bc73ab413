package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/chatflow/pkg/flow"
	"github.com/tcmartin/chatflow/pkg/logging"
)

func testState() *ConversationState {
	state := NewConversationState("sess-1", "flow-1", "v1")
	state.CurrentNodeID = "hook"
	state.Variables.Set("name", "Ada")
	return state
}

func TestDispatchEnrichesPostBody(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhookDispatcher(time.Second, 10*time.Millisecond, logging.NewNopLogger())
	payload := &flow.WebhookPayload{
		URL:     server.URL,
		Method:  http.MethodPost,
		Headers: map[string]string{"X-Token": "secret"},
		Body:    map[string]interface{}{"greeting": "Hi {{name}}"},
	}

	result, err := d.Dispatch(context.Background(), payload, testState(), "hello there")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, 1, result.Attempts)

	assert.Equal(t, "Hi Ada", received["greeting"])
	assert.Equal(t, "sess-1", received["session_id"])
	assert.Equal(t, "flow-1", received["flow_id"])
	assert.Equal(t, "hook", received["node_id"])
	assert.Equal(t, "hello there", received["message"])
	vars, ok := received["variables"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Ada", vars["name"])
}

func TestDispatchGetSendsNoBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Zero(t, r.ContentLength)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	d := NewWebhookDispatcher(time.Second, 10*time.Millisecond, logging.NewNopLogger())
	payload := &flow.WebhookPayload{URL: server.URL, Method: http.MethodGet}

	result, err := d.Dispatch(context.Background(), payload, testState(), "")
	require.NoError(t, err)

	parsed, ok := result.Parsed.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, parsed["ok"])
}

func TestDispatchRetriesOnceOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhookDispatcher(time.Second, 10*time.Millisecond, logging.NewNopLogger())
	payload := &flow.WebhookPayload{URL: server.URL, Method: http.MethodPost}

	result, err := d.Dispatch(context.Background(), payload, testState(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDispatchFailsAfterSingleRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := NewWebhookDispatcher(time.Second, 10*time.Millisecond, logging.NewNopLogger())
	payload := &flow.WebhookPayload{URL: server.URL, Method: http.MethodPost}

	_, err := d.Dispatch(context.Background(), payload, testState(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDispatchTimeoutCountsAsFailedAttempt(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewWebhookDispatcher(50*time.Millisecond, 10*time.Millisecond, logging.NewNopLogger())
	payload := &flow.WebhookPayload{URL: server.URL, Method: http.MethodPost}

	result, err := d.Dispatch(context.Background(), payload, testState(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
}

func TestDispatchHonorsContextDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	d := NewWebhookDispatcher(time.Second, time.Minute, logging.NewNopLogger())
	payload := &flow.WebhookPayload{URL: server.URL, Method: http.MethodPost}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Dispatch(ctx, payload, testState(), "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
