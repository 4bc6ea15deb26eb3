package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/agent"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/docs"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/lifecycle"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
)

type slideBrief struct {
	Title string `json:"title"`
	Brief string `json:"brief"`
}

type slideOutline struct {
	Slides []slideBrief `json:"slides"`
}

func (o *slideOutline) Validate() error {
	if len(o.Slides) == 0 {
		return errors.New("slide outline has no slides")
	}
	return nil
}

type slideOutput struct {
	Title   string       `json:"title"`
	Bullets []string     `json:"bullets"`
	Charts  []docs.Chart `json:"charts"`
}

func (o *slideOutput) Validate() error {
	if strings.TrimSpace(o.Title) == "" {
		return errors.New("slide has no title")
	}
	for i, c := range o.Charts {
		if c.Question == "" {
			return fmt.Errorf("chart %d has no question", i)
		}
	}
	return nil
}

type slidesOptions struct {
	docID      string
	sheetsID   string
	slidesID   string
	tokenLimit *int
}

func (h *handlerSet) slides(ctx context.Context, s *lifecycle.Scope, p SlidesPayload, acc *agent.Accumulator) error {
	err := h.buildSlides(ctx, s, p.TaskRef, slidesOptions{
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
		TotalTokens:  h.cost(acc.Snapshot()),
	}.WithResource(p.SlidedeckID))
	return nil
}

// buildSlides outlines a deck from the memo text and adds one slide per
// outline entry. Charts are drawn from the survey sheets.
func (h *handlerSet) buildSlides(ctx context.Context, progress lifecycle.ProgressCallback, ref TaskRef, opts slidesOptions, acc *agent.Accumulator) error {
	memoText, err := h.Documents.ReadText(ctx, opts.docID)
	if err != nil {
		return fmt.Errorf("failed to read memo document: %w", err)
	}

	callCtx := surveyContext(ref)
	callCtx["memo"] = memoText

	outline, ok, err := agent.Invoke[slideOutline](ctx, h.Agent, agent.Call{
		Agent:      "slide_outline",
		Prompt:     "Outline a slide deck presenting this memo.",
		Context:    callCtx,
		UsageLimit: opts.tokenLimit,
	}, acc, h.policy(slideOutlineAttempts))
	if err != nil {
		return fmt.Errorf("slide outline agent: %w", err)
	}
	if !ok {
		return errors.New("slide outline could not be generated")
	}

	progress.ResetProgressTotal(len(outline.Slides))

	added := 0
	for _, brief := range outline.Slides {
		slideCtx := surveyContext(ref)
		slideCtx["title"] = brief.Title
		slideCtx["brief"] = brief.Brief
		slideCtx["memo"] = memoText

		out, ok, err := agent.Invoke[slideOutput](ctx, h.Agent, agent.Call{
			Agent:      "slide",
			Prompt:     fmt.Sprintf("Write the slide %q.", brief.Title),
			Context:    slideCtx,
			UsageLimit: opts.tokenLimit,
		}, acc, h.policy(slideAttempts))
		if err != nil {
			return fmt.Errorf("slide agent: %w", err)
		}
		if ok {
			slide := docs.Slide{Title: out.Title, Bullets: out.Bullets, Charts: out.Charts}
			for i := range slide.Charts {
				slide.Charts[i].SheetsID = opts.sheetsID
			}
			if err := h.Documents.AddSlide(ctx, opts.slidesID, slide); err != nil {
				return fmt.Errorf("failed to add slide: %w", err)
			}
			added++
		}
		progress.IncrementProgress()
	}

	if added == 0 {
		return errors.New("no slides were added")
	}
	return nil
}
