// Package handlers holds the task handlers the worker routes messages to.
// Every handler validates its payload, then does its work inside a
// lifecycle scope so the control plane sees Running, progress, artifacts
// and the terminal state.
package handlers

import (
	"context"
	"time"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/agent"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/docs"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/lifecycle"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/logger"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/modules"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/survey"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
)

const (
	RoutingKeyInsights   = "task.insights"
	RoutingKeyMemo       = "task.memo"
	RoutingKeySlides     = "task.slides"
	RoutingKeySurveyData = "task.survey_data"
	RoutingKeyFullReport = "task.full_report"
)

// RoutingKeys lists every key Register binds.
func RoutingKeys() []string {
	return []string{
		RoutingKeyInsights,
		RoutingKeyMemo,
		RoutingKeySlides,
		RoutingKeySurveyData,
		RoutingKeyFullReport,
	}
}

// Attempts per retry group.
const (
	focusAttempts        = 10
	insightAttempts      = 2
	memoAttempts         = 3
	textBlockAttempts    = 2
	slideOutlineAttempts = 3
	slideAttempts        = 2
)

const defaultInsightsPerFocus = 3

// Deps are the collaborators the handlers share.
type Deps struct {
	// NewSession returns a fresh control-plane session. Each task gets
	// its own so credentials are never shared between tasks.
	NewSession func() lifecycle.ControlPlane
	Agent      agent.Agent
	Documents  docs.Documents
	Surveys    survey.Loader
	// OnResult, if set, receives every task's terminal result.
	OnResult     func(types.TaskResult)
	Logger       *logger.Logger
	OutputWeight int
	Backoff      time.Duration
}

type handlerSet struct {
	Deps
	logger *logger.Logger
}

// Register adds every task handler to b.
func Register(b *modules.RoutingBuilder, deps Deps) *modules.RoutingBuilder {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	h := &handlerSet{Deps: deps, logger: deps.Logger.Named("handlers")}

	return b.
		Register(RoutingKeyInsights, task(h, RoutingKeyInsights, "insights.json", h.insights)).
		Register(RoutingKeyMemo, task(h, RoutingKeyMemo, "memo.json", h.memo)).
		Register(RoutingKeySlides, task(h, RoutingKeySlides, "slides.json", h.slides)).
		Register(RoutingKeySurveyData, task(h, RoutingKeySurveyData, "survey_data.json", h.surveyData)).
		Register(RoutingKeyFullReport, task(h, RoutingKeyFullReport, "full_report.json", h.fullReport))
}

type payload interface {
	ref() TaskRef
}

// task adapts fn into a routing handler. A payload that fails validation
// is logged and dropped without touching the control plane.
func task[P payload](h *handlerSet, key, schema string, fn func(context.Context, *lifecycle.Scope, P, *agent.Accumulator) error) modules.Handler {
	log := h.logger.With("routing_key", key)

	return func(ctx context.Context, body []byte) error {
		var p P
		if err := decodePayload(schema, body, &p); err != nil {
			log.Errorw("body didn't validate", "body", string(body), "error", err)
			return nil
		}
		ref := p.ref()

		opts := []lifecycle.Option{lifecycle.WithLogger(log)}
		if h.OnResult != nil {
			opts = append(opts, lifecycle.WithObserver(func(r types.TaskResult) {
				r.RoutingKey = key
				h.OnResult(r)
			}))
		}

		var acc agent.Accumulator
		return lifecycle.Run(ctx, h.NewSession(), ref.TaskID, func(ctx context.Context, s *lifecycle.Scope) error {
			return fn(ctx, s, p, &acc)
		}, opts...)
	}
}

func (h *handlerSet) policy(attempts int) agent.Policy {
	return agent.Policy{Attempts: attempts, Backoff: h.Backoff}
}

func (h *handlerSet) cost(u agent.Usage) int {
	return u.Cost(h.OutputWeight)
}

func surveyContext(ref TaskRef) map[string]interface{} {
	return map[string]interface{}{
		"kbid":       ref.KBID,
		"key_number": ref.KeyNumber,
	}
}

// nopProgress swallows sub-step progress of pipelines that run as one
// stage of a larger task.
type nopProgress struct{}

func (nopProgress) ResetProgressTotal(int) {}
func (nopProgress) IncrementProgress()     {}
