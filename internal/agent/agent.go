// Package agent invokes the generative backend through a narrow interface
// and retries its transient failures.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Call is one request to a named agent.
type Call struct {
	Agent        string                 `json:"-"`
	Prompt       string                 `json:"prompt"`
	Instructions string                 `json:"instructions,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	UsageLimit   *int                   `json:"usage_limit,omitempty"`
}

// Result carries the agent's structured output. Usage is filled in even
// when Run returns an error.
type Result struct {
	Output json.RawMessage `json:"output"`
	Usage  Usage           `json:"usage"`
}

// Agent runs a single agent call. Implementations classify failures with
// ErrInvalidOutput, ErrProviderFault and ErrUsageLimitExceeded.
type Agent interface {
	Run(ctx context.Context, call Call) (Result, error)
}

// Invoke runs call through Retry and decodes the output into T. Output that
// does not decode is ErrInvalidOutput and therefore retried.
func Invoke[T any](ctx context.Context, a Agent, call Call, acc *Accumulator, policy Policy) (T, bool, error) {
	return Retry(ctx, acc, policy, func(ctx context.Context) (T, Usage, error) {
		var out T
		res, err := a.Run(ctx, call)
		if err != nil {
			return out, res.Usage, err
		}
		if err := json.Unmarshal(res.Output, &out); err != nil {
			return out, res.Usage, fmt.Errorf("%w: %s: %v", ErrInvalidOutput, call.Agent, err)
		}
		if v, ok := any(&out).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return out, res.Usage, fmt.Errorf("%w: %s: %v", ErrInvalidOutput, call.Agent, err)
			}
		}
		return out, res.Usage, nil
	})
}
