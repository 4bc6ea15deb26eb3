package agent

import "sync"

// Usage counts billable units consumed by agent calls.
type Usage struct {
	Requests     int `json:"requests"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Accumulator is the task-scoped running Usage. Requests is reset at the
// start of every retry group; input and output keep growing for the whole
// task.
type Accumulator struct {
	mu    sync.Mutex
	usage Usage
}

func (a *Accumulator) Add(u Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.Requests += u.Requests
	a.usage.InputTokens += u.InputTokens
	a.usage.OutputTokens += u.OutputTokens
}

func (a *Accumulator) ResetRequests() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.Requests = 0
}

func (a *Accumulator) Snapshot() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Reset zeroes every counter and returns the previous totals.
func (a *Accumulator) Reset() Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	old := a.usage
	a.usage = Usage{}
	return old
}

// Cost is the derived billing figure reported as an artifact's totalTokens.
func (u Usage) Cost(outputWeight int) int {
	return u.InputTokens + u.OutputTokens*outputWeight
}

// Sub returns the usage consumed between o and u.
func (u Usage) Sub(o Usage) Usage {
	return Usage{
		Requests:     u.Requests - o.Requests,
		InputTokens:  u.InputTokens - o.InputTokens,
		OutputTokens: u.OutputTokens - o.OutputTokens,
	}
}
