package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T, status int, body string) *HTTPAgent {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agents/insight/runs" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var call Call
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil || call.Prompt == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewHTTPAgent(config.AgentConfig{URL: srv.URL + "/", APIKey: "key"})
}

func TestHTTPAgentSuccess(t *testing.T) {
	a := newGateway(t, http.StatusOK, `{"output":{"main_insight":"x"},"usage":{"requests":1,"input_tokens":12,"output_tokens":3}}`)

	res, err := a.Run(context.Background(), Call{Agent: "insight", Prompt: "focus on turnout"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"main_insight":"x"}`, string(res.Output))
	assert.Equal(t, Usage{Requests: 1, InputTokens: 12, OutputTokens: 3}, res.Usage)
}

func TestHTTPAgentErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"invalid output", http.StatusUnprocessableEntity, `{"message":"schema mismatch","usage":{"requests":1}}`, ErrInvalidOutput},
		{"usage limit", http.StatusTooManyRequests, `{"error":"usage_limit_exceeded"}`, ErrUsageLimitExceeded},
		{"throttled", http.StatusTooManyRequests, `{"error":"throttled"}`, ErrProviderFault},
		{"server error", http.StatusBadGateway, `upstream unavailable`, ErrProviderFault},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newGateway(t, tc.status, tc.body)
			_, err := a.Run(context.Background(), Call{Agent: "insight", Prompt: "p"})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestHTTPAgentReportsUsageOnFailure(t *testing.T) {
	a := newGateway(t, http.StatusUnprocessableEntity, `{"message":"bad","usage":{"requests":1,"input_tokens":9}}`)
	res, err := a.Run(context.Background(), Call{Agent: "insight", Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, Usage{Requests: 1, InputTokens: 9}, res.Usage)
}

func TestHTTPAgentClientErrorIsFatal(t *testing.T) {
	a := newGateway(t, http.StatusForbidden, `{"message":"nope"}`)
	_, err := a.Run(context.Background(), Call{Agent: "insight", Prompt: "p"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestHTTPAgentTransportErrorIsProviderFault(t *testing.T) {
	a := NewHTTPAgent(config.AgentConfig{URL: "http://127.0.0.1:1"})
	_, err := a.Run(context.Background(), Call{Agent: "insight", Prompt: "p"})
	assert.ErrorIs(t, err, ErrProviderFault)
}

func TestInvokeThroughGatewayCountsEveryAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("bad gateway"))
			return
		}
		_, _ = w.Write([]byte(`{"output":{"focuses":["turnout"]},"usage":{"requests":1,"input_tokens":7,"output_tokens":2}}`))
	}))
	t.Cleanup(srv.Close)
	a := NewHTTPAgent(config.AgentConfig{URL: srv.URL})

	acc := &Accumulator{}
	out, ok, err := Invoke[focusOutput](context.Background(), a, Call{Agent: "focus", Prompt: "p"}, acc, Policy{Attempts: 3})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"turnout"}, out.Focuses)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, Usage{Requests: 3, InputTokens: 7, OutputTokens: 2}, acc.Snapshot())
}

func TestInvokeThroughUnreachableGatewayCountsEveryAttempt(t *testing.T) {
	a := NewHTTPAgent(config.AgentConfig{URL: "http://127.0.0.1:1"})

	acc := &Accumulator{}
	_, ok, err := Invoke[focusOutput](context.Background(), a, Call{Agent: "focus", Prompt: "p"}, acc, Policy{Attempts: 2})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, acc.Snapshot().Requests)
}
