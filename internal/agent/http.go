package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/config"
)

// HTTPAgent calls an agent gateway over HTTP:
//
//	POST {url}/agents/{name}/runs  {prompt, instructions, context, usage_limit}
//	200 → {output, usage}
//
// 422 is invalid output, 429 with error "usage_limit_exceeded" is a spent
// budget, any other 429, 5xx or transport error is a provider fault. Other
// statuses are fatal.
type HTTPAgent struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPAgent(cfg config.AgentConfig) *HTTPAgent {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPAgent{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Usage   Usage  `json:"usage"`
}

func (a *HTTPAgent) Run(ctx context.Context, call Call) (Result, error) {
	data, err := json.Marshal(call)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode %s call: %w", call.Agent, err)
	}

	endpoint := a.baseURL + "/agents/" + url.PathEscape(call.Agent) + "/runs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %s: %v", ErrProviderFault, call.Agent, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: reading response: %v", ErrProviderFault, call.Agent, err)
	}

	if resp.StatusCode == http.StatusOK {
		var res Result
		if err := json.Unmarshal(body, &res); err != nil {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrInvalidOutput, call.Agent, err)
		}
		return res, nil
	}

	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	detail := eb.Message
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}
	res := Result{Usage: eb.Usage}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return res, fmt.Errorf("%w: %s: %s", ErrInvalidOutput, call.Agent, detail)
	case resp.StatusCode == http.StatusTooManyRequests && eb.Error == "usage_limit_exceeded":
		return res, fmt.Errorf("%w: %s: %s", ErrUsageLimitExceeded, call.Agent, detail)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return res, fmt.Errorf("%w: %s: status %d: %s", ErrProviderFault, call.Agent, resp.StatusCode, detail)
	default:
		return res, fmt.Errorf("agent %s: unexpected status %d: %s", call.Agent, resp.StatusCode, detail)
	}
}
