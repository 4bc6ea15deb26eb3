package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/config"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   string
}

func newTestServer(t *testing.T) (*httptest.Server, *[]recorded, *sync.Mutex) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: string(body)})
		mu.Unlock()

		switch r.URL.Path {
		case "/api/Auth/token":
			if err := r.ParseForm(); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if r.Form.Get("username") != "worker" || r.Form.Get("grant_type") != "password" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "abc", "token_type": "bearer", "expires_in": 3600})
		case "/api/Tasks/9":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("no such task"))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs, &mu
}

func TestFetchToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := NewClient(config.ControlPlaneConfig{URL: srv.URL + "/api/", Username: "worker", Password: "pw"})

	tok, err := c.FetchToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, int64(3600), tok.ExpiresIn)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, 5*time.Second)
}

func TestFetchTokenRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := NewClient(config.ControlPlaneConfig{URL: srv.URL + "/api", Username: "someone-else"})

	_, err := c.FetchToken(context.Background())
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, http.StatusUnauthorized, retrieveErr.Response.StatusCode)
}

func TestSessionAuthorizesAndReusesToken(t *testing.T) {
	srv, reqs, mu := newTestServer(t)
	c := NewClient(config.ControlPlaneConfig{URL: srv.URL + "/api", Username: "worker"})
	s := c.NewSession()
	ctx := context.Background()

	require.NoError(t, s.PatchTask(ctx, 42, types.TaskUpdate{Status: types.TaskStatusRunning}))
	require.NoError(t, s.PostArtifact(ctx, 42, types.Artifact{ResourceType: types.ResourceMemo, Action: types.ActionEdit}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *reqs, 3)
	assert.Equal(t, "/api/Auth/token", (*reqs)[0].path)
	assert.Equal(t, http.MethodPatch, (*reqs)[1].method)
	assert.Equal(t, "/api/Tasks/42", (*reqs)[1].path)
	assert.Equal(t, "Bearer abc", (*reqs)[1].auth)
	assert.JSONEq(t, `{"status":"Running"}`, (*reqs)[1].body)
	assert.Equal(t, "/api/Tasks/42/artifacts", (*reqs)[2].path)
	assert.JSONEq(t, `{"resourceType":"Memo","action":"Edit","totalTokens":0}`, (*reqs)[2].body)
}

func TestSessionReturnsStatusError(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := NewClient(config.ControlPlaneConfig{URL: srv.URL + "/api", Username: "worker"})

	err := c.NewSession().PatchTask(context.Background(), 9, types.TaskUpdate{Status: types.TaskStatusRunning})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "no such task", statusErr.Body)
}

func TestSessionsDoNotShareCredentials(t *testing.T) {
	srv, reqs, mu := newTestServer(t)
	c := NewClient(config.ControlPlaneConfig{URL: srv.URL + "/api", Username: "worker"})

	for i := 0; i < 2; i++ {
		_, err := c.NewSession().Headers(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, *reqs, 2)
}
