package core

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cosmos/core/provider"
	"cosmos/core/tokenizer"
)

// Splitter hands out successive chunks of an oversized input, sized to a
// caller-supplied character budget.
type Splitter interface {
	// Next returns up to maxChars of the remaining input. done is true once
	// the splitter has nothing left to return (the returned chunk may still
	// be non-empty on the call where done becomes true).
	Next(maxChars int) (chunk string, done bool)
}

// stringSplitter walks a single string left to right.
type stringSplitter struct {
	remaining string
}

// NewStringSplitter returns a Splitter over a single in-memory string.
func NewStringSplitter(text string) Splitter {
	return &stringSplitter{remaining: text}
}

func (s *stringSplitter) Next(maxChars int) (string, bool) {
	if maxChars <= 0 {
		maxChars = 1
	}
	if len(s.remaining) <= maxChars {
		chunk := s.remaining
		s.remaining = ""
		return chunk, true
	}
	chunk := s.remaining[:maxChars]
	s.remaining = s.remaining[maxChars:]
	return chunk, s.remaining == ""
}

const accumulatorUpdatePrompt = `You are processing a large input in sequential chunks. Below is the buffer you have
accumulated so far, followed by the next chunk of input. Update the buffer to
incorporate this chunk, preserving everything from the prior buffer that
remains relevant.

## Task
%s

## Accumulated buffer
%s

## Next chunk
%s

Respond with only the updated buffer.`

const accumulatorFinalizePrompt = `You are finishing a large input that was processed in sequential chunks. Below is
the fully accumulated buffer. Produce the final deliverable described by the
task.

## Task
%s

## Accumulated buffer
%s`

// Accumulator folds an oversized input into a bounded "buffer" one
// model-sized chunk at a time, then asks a final clean-up call to produce
// the deliverable. The fold is strictly left-to-right: each call's updated
// buffer is what feeds the next call's prompt.
type Accumulator struct {
	Provider   provider.Provider
	Model      provider.ModelInfo
	Tokenizer  tokenizer.Tokenizer
	Question   string // the task description shown in every prompt
	PromptCost int    // fixed token overhead reserved for prompt scaffolding
}

// Run drives the fold to completion and returns the finalized deliverable.
func (a *Accumulator) Run(ctx context.Context, splitter Splitter) (string, error) {
	var buffer string
	for {
		budget := a.chunkBudget(buffer)
		chunk, done := splitter.Next(budget)

		updated, err := a.update(ctx, buffer, chunk)
		if err != nil {
			return "", fmt.Errorf("accumulator: updating buffer: %w", err)
		}
		buffer = updated

		if done {
			break
		}
	}

	final, err := a.finalize(ctx, buffer)
	if err != nil {
		return "", fmt.Errorf("accumulator: finalizing: %w", err)
	}
	return final, nil
}

// chunkBudget computes the remaining character budget for the next chunk:
// the model's context window minus the tokens already committed to the
// buffer, the question, and fixed prompt overhead, expressed in characters.
func (a *Accumulator) chunkBudget(buffer string) int {
	used := a.Tokenizer.EstimateTokens(buffer) + a.Tokenizer.EstimateTokens(a.Question) + a.PromptCost
	remaining := a.Model.ContextWindow - used
	if remaining < 1 {
		remaining = 1
	}
	return tokenizer.ChunkCharSize(remaining, 1.0)
}

func (a *Accumulator) update(ctx context.Context, buffer, chunk string) (string, error) {
	prompt := fmt.Sprintf(accumulatorUpdatePrompt, a.Question, buffer, chunk)
	return a.call(ctx, prompt)
}

func (a *Accumulator) finalize(ctx context.Context, buffer string) (string, error) {
	prompt := fmt.Sprintf(accumulatorFinalizePrompt, a.Question, buffer)
	return a.call(ctx, prompt)
}

func (a *Accumulator) call(ctx context.Context, prompt string) (string, error) {
	req := provider.Request{
		Model: a.Model.ID,
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: prompt},
		},
	}

	iter, err := a.Provider.Send(ctx, req)
	if err != nil {
		return "", err
	}
	defer iter.Close()

	var out strings.Builder
	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if chunk.Event == provider.EventTextDelta {
			out.WriteString(chunk.Text)
		}
	}
	return out.String(), nil
}
