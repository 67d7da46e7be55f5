package mcpgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/faults"
)

func TestInvokeSendsToolAndParameters(t *testing.T) {
	var got invokeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tools/invoke", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"ok": true}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("secret"))
	result, err := c.ChannelHistory(context.Background(), "C123", 50)
	require.NoError(t, err)

	assert.Equal(t, ToolChannelHistory, got.Tool)
	assert.Equal(t, "C123", got.Parameters["channel_id"])
	assert.EqualValues(t, 50, got.Parameters["limit"])
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestInvokeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).BotInfo(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))
}

func TestInvokeUnknownTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown tool", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Invoke(context.Background(), "slack_bogus", nil)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
}

func TestInvokeGatewayDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewClient(srv.URL).ListChannels(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.BackendUnreachable))
}

func TestInvokeRetriesAfterRateLimit(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"ok": true}})
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL).ListChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestInvokeToolLevelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "channel_not_found"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).ChannelHistory(context.Background(), "C404", 10)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestPostMessageOmitsEmptyThread(t *testing.T) {
	var got invokeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{}})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).PostMessage(context.Background(), "C1", "hello", "")
	require.NoError(t, err)
	_, hasThread := got.Parameters["thread_ts"]
	assert.False(t, hasThread)
}
