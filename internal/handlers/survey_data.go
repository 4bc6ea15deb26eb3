package handlers

import (
	"context"
	"fmt"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/agent"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/lifecycle"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
)

func (h *handlerSet) surveyData(ctx context.Context, s *lifecycle.Scope, p SurveyDataPayload, _ *agent.Accumulator) error {
	s.ResetProgressTotal(1)

	data, err := h.Surveys.Load(ctx, p.KBID, p.KeyNumber)
	if err != nil {
		return fmt.Errorf("failed to load survey %s/%d: %w", p.KBID, p.KeyNumber, err)
	}
	s.IncrementProgress()

	s.AddArtifact(types.Artifact{
		ResourceType: types.ResourceSurveyData,
		Action:       types.ActionCreate,
		Payload:      data,
	})
	return nil
}
