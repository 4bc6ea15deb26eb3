package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/agent"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/lifecycle"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
)

// ErrNoInsights fails a task whose every insight call came back empty.
var ErrNoInsights = errors.New("no insights were generated")

type focusList struct {
	Focuses []string `json:"focuses"`
}

func (f *focusList) Validate() error {
	kept := f.Focuses[:0]
	for _, focus := range f.Focuses {
		if focus = strings.TrimSpace(focus); focus != "" {
			kept = append(kept, focus)
		}
	}
	f.Focuses = kept
	if len(f.Focuses) == 0 {
		return errors.New("empty focus list")
	}
	return nil
}

type insightOutput struct {
	Insight string `json:"insight"`
}

func (o *insightOutput) Validate() error {
	o.Insight = strings.TrimSpace(o.Insight)
	if o.Insight == "" {
		return errors.New("empty insight")
	}
	return nil
}

type insightOptions struct {
	focus         string
	perFocus      int
	focusPrompt   string
	insightPrompt string
	tokenLimit    *int
}

func (h *handlerSet) insights(ctx context.Context, s *lifecycle.Scope, p InsightsPayload, acc *agent.Accumulator) error {
	opts := insightOptions{
		focus:         deref(p.Focus),
		focusPrompt:   deref(p.FocusAgentPrompt),
		insightPrompt: deref(p.InsightAgentPrompt),
		tokenLimit:    p.TokenLimit,
	}
	if p.NumberOfInsights != nil {
		opts.perFocus = *p.NumberOfInsights
	}

	insights, err := h.generateInsights(ctx, s, p.TaskRef, opts, acc)
	if err != nil {
		return err
	}
	return h.createInsights(ctx, s, p.ProjectID, insights, h.cost(acc.Snapshot()))
}

// generateInsights picks the focuses to write about (unless one is given)
// and asks for perFocus insights on each. Failed insight calls are skipped.
func (h *handlerSet) generateInsights(ctx context.Context, progress lifecycle.ProgressCallback, ref TaskRef, opts insightOptions, acc *agent.Accumulator) ([]string, error) {
	focuses := []string{strings.TrimSpace(opts.focus)}
	if focuses[0] == "" {
		out, ok, err := agent.Invoke[focusList](ctx, h.Agent, agent.Call{
			Agent:        "focus",
			Prompt:       "List the focus areas of this survey worth writing insights about.",
			Instructions: opts.focusPrompt,
			Context:      surveyContext(ref),
			UsageLimit:   opts.tokenLimit,
		}, acc, h.policy(focusAttempts))
		if err != nil {
			return nil, fmt.Errorf("focus agent: %w", err)
		}
		if !ok {
			return nil, errors.New("focus agent produced no focuses")
		}
		focuses = out.Focuses
	}

	perFocus := opts.perFocus
	if perFocus <= 0 {
		perFocus = defaultInsightsPerFocus
	}
	progress.ResetProgressTotal(len(focuses) * perFocus)

	var insights []string
	for _, focus := range focuses {
		for i := 0; i < perFocus; i++ {
			callCtx := surveyContext(ref)
			callCtx["focus"] = focus
			callCtx["existing_insights"] = insights

			out, ok, err := agent.Invoke[insightOutput](ctx, h.Agent, agent.Call{
				Agent:        "insight",
				Prompt:       fmt.Sprintf("Write one new insight about %q that is not among the existing insights.", focus),
				Instructions: opts.insightPrompt,
				Context:      callCtx,
				UsageLimit:   opts.tokenLimit,
			}, acc, h.policy(insightAttempts))
			progress.IncrementProgress()
			if err != nil {
				return nil, fmt.Errorf("insight agent: %w", err)
			}
			if ok {
				insights = append(insights, out.Insight)
			}
		}
	}

	if len(insights) == 0 {
		return nil, ErrNoInsights
	}
	return insights, nil
}

// createInsights stores each insight on the control plane and records one
// Insight artifact per created resource. cost is spread over the insights.
func (h *handlerSet) createInsights(ctx context.Context, s *lifecycle.Scope, projectID int, insights []string, cost int) error {
	shares := splitCost(cost, len(insights))
	for i, content := range insights {
		var created struct {
			ID int `json:"id"`
		}
		body := map[string]interface{}{
			"projectId": projectID,
			"content":   content,
			"source":    "Llm",
		}
		if err := s.ControlPlane().Send(ctx, http.MethodPost, "/Insights", body, &created); err != nil {
			return fmt.Errorf("failed to create insight %d: %w", i, err)
		}
		s.AddArtifact(types.Artifact{
			ResourceType: types.ResourceInsight,
			Action:       types.ActionCreate,
			TotalTokens:  shares[i],
		}.WithResource(created.ID))
	}
	return nil
}

// splitCost divides cost into n shares summing to cost; the remainder goes
// to the first share.
func splitCost(cost, n int) []int {
	if n <= 0 {
		return nil
	}
	shares := make([]int, n)
	each := cost / n
	for i := range shares {
		shares[i] = each
	}
	shares[0] += cost - each*n
	return shares
}
