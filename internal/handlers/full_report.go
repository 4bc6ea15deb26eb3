package handlers

import (
	"context"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/agent"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/lifecycle"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
)

const fullReportStages = 3

// fullReport runs insights, memo and slides back to back in one scope.
// Progress advances once per stage; each stage's artifacts carry the cost
// of that stage only.
func (h *handlerSet) fullReport(ctx context.Context, s *lifecycle.Scope, p FullReportPayload, acc *agent.Accumulator) error {
	s.ResetProgressTotal(fullReportStages)

	before := acc.Snapshot()
	insights, err := h.generateInsights(ctx, nopProgress{}, p.TaskRef, insightOptions{tokenLimit: p.TokenLimit}, acc)
	if err != nil {
		return err
	}
	if err := h.createInsights(ctx, s, p.ProjectID, insights, h.cost(acc.Snapshot().Sub(before))); err != nil {
		return err
	}
	s.IncrementProgress()

	before = acc.Snapshot()
	err = h.writeMemo(ctx, nopProgress{}, p.TaskRef, memoOptions{
		docID:      p.DocID,
		insights:   insights,
		tokenLimit: p.TokenLimit,
	}, acc)
	if err != nil {
		return err
	}
	s.AddArtifact(types.Artifact{
		ResourceType: types.ResourceMemo,
		Action:       types.ActionEdit,
		TotalTokens:  h.cost(acc.Snapshot().Sub(before)),
	})
	s.IncrementProgress()

	before = acc.Snapshot()
	err = h.buildSlides(ctx, nopProgress{}, p.TaskRef, slidesOptions{
		docID:      p.DocID,
		sheetsID:   p.SheetsID,
		slidesID:   p.SlidesID,
		tokenLimit: p.TokenLimit,
	}, acc)
	if err != nil {
		return err
	}
	s.AddArtifact(types.Artifact{
		ResourceType: types.ResourceSlidedeck,
		Action:       types.ActionEdit,
		TotalTokens:  h.cost(acc.Snapshot().Sub(before)),
	})
	s.IncrementProgress()
	return nil
}
