package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/config"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
	"golang.org/x/oauth2"
)

// StatusError is returned when the control plane answers with a non-2xx
// status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to the control-plane API. It is safe for concurrent use and
// shared by the whole process; authorization state lives in Sessions.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	oauth      *oauth2.Config
}

func NewClient(cfg config.ControlPlaneConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(cfg.URL, "/")
	return &Client{
		baseURL:    baseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		oauth:      newOAuthConfig(baseURL),
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// NewSession returns a Session with its own credential cache.
func (c *Client) NewSession() *Session {
	return &Session{client: c, creds: newCredentialSource(c)}
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			Method:     req.Method,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

// Session is the authorized view of the control plane used by one task.
type Session struct {
	client *Client
	creds  oauth2.TokenSource
}

func (s *Session) BaseURL() string {
	return s.client.baseURL
}

// Headers returns the authorization headers for an extra control-plane
// call made by a handler.
func (s *Session) Headers(ctx context.Context) (http.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := s.creds.Token()
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", token.Type()+" "+token.AccessToken)
	return h, nil
}

// Send issues an authorized JSON request to path (relative to the base
// URL) and decodes the response into out when out is non-nil.
func (s *Session) Send(ctx context.Context, method, path string, body, out interface{}) error {
	headers, err := s.Headers(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.client.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header = headers
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.client.do(req, out)
}

func (s *Session) PatchTask(ctx context.Context, taskID int, update types.TaskUpdate) error {
	return s.Send(ctx, http.MethodPatch, "/Tasks/"+strconv.Itoa(taskID), update, nil)
}

func (s *Session) PostArtifact(ctx context.Context, taskID int, artifact types.Artifact) error {
	return s.Send(ctx, http.MethodPost, "/Tasks/"+strconv.Itoa(taskID)+"/artifacts", artifact, nil)
}
