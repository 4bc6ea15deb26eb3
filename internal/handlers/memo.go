package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nathanielvictory/VirtualConsultantTwo/internal/agent"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/lifecycle"
	"github.com/nathanielvictory/VirtualConsultantTwo/internal/types"
)

type blockBrief struct {
	Heading string `json:"heading"`
	Brief   string `json:"brief"`
}

type memoOutline struct {
	Blocks []blockBrief `json:"blocks"`
}

func (o *memoOutline) Validate() error {
	if len(o.Blocks) == 0 {
		return errors.New("memo outline has no blocks")
	}
	return nil
}

type textBlock struct {
	Text string `json:"text"`
}

func (b *textBlock) Validate() error {
	if strings.TrimSpace(b.Text) == "" {
		return errors.New("empty text block")
	}
	return nil
}

type memoOptions struct {
	docID      string
	focus      string
	insights   []string
	tokenLimit *int
}

func (h *handlerSet) memo(ctx context.Context, s *lifecycle.Scope, p MemoPayload, acc *agent.Accumulator) error {
	err := h.writeMemo(ctx, s, p.TaskRef, memoOptions{
		docID:      p.DocID,
		focus:      deref(p.Focus),
		insights:   p.Insights,
		tokenLimit: p.TokenLimit,
	}, acc)
	if err != nil {
		return err
	}

	s.AddArtifact(types.Artifact{
		ResourceType: types.ResourceMemo,
		Action:       types.ActionEdit,
		TotalTokens:  h.cost(acc.Snapshot()),
	}.WithResource(p.MemoID))
	return nil
}

// writeMemo outlines the memo and appends one text block per outline entry
// to the document. Blocks the agent could not write are skipped; a memo
// with no block written is an error.
func (h *handlerSet) writeMemo(ctx context.Context, progress lifecycle.ProgressCallback, ref TaskRef, opts memoOptions, acc *agent.Accumulator) error {
	existing, err := h.Documents.ReadText(ctx, opts.docID)
	if err != nil {
		return fmt.Errorf("failed to read memo document: %w", err)
	}

	callCtx := surveyContext(ref)
	callCtx["insights"] = opts.insights
	callCtx["existing_text"] = existing
	if opts.focus != "" {
		callCtx["focus"] = opts.focus
	}

	outline, ok, err := agent.Invoke[memoOutline](ctx, h.Agent, agent.Call{
		Agent:      "memo",
		Prompt:     "Outline a memo on this survey as a list of text blocks.",
		Context:    callCtx,
		UsageLimit: opts.tokenLimit,
	}, acc, h.policy(memoAttempts))
	if err != nil {
		return fmt.Errorf("memo agent: %w", err)
	}
	if !ok {
		return errors.New("memo outline could not be generated")
	}

	progress.ResetProgressTotal(len(outline.Blocks))

	written := 0
	for _, block := range outline.Blocks {
		blockCtx := surveyContext(ref)
		blockCtx["heading"] = block.Heading
		blockCtx["brief"] = block.Brief
		blockCtx["insights"] = opts.insights

		out, ok, err := agent.Invoke[textBlock](ctx, h.Agent, agent.Call{
			Agent:      "text_block",
			Prompt:     fmt.Sprintf("Write the memo section %q.", block.Heading),
			Context:    blockCtx,
			UsageLimit: opts.tokenLimit,
		}, acc, h.policy(textBlockAttempts))
		if err != nil {
			return fmt.Errorf("text block agent: %w", err)
		}
		if ok {
			if err := h.Documents.AppendText(ctx, opts.docID, out.Text); err != nil {
				return fmt.Errorf("failed to append to memo document: %w", err)
			}
			written++
		}
		progress.IncrementProgress()
	}

	if written == 0 {
		return errors.New("no memo text blocks were written")
	}
	return nil
}
