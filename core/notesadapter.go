package core

import (
	"context"
	"cosmos/core/provider"
	"cosmos/core/tokenizer"
	"cosmos/engine/notes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// providerExtractor backs notes.Extractor with a plain LLM call, asking for
// a JSON array of short facts and falling back to an empty result on any
// parse failure rather than polluting the notes file with garbage.
type providerExtractor struct {
	prov  provider.Provider
	model string
}

func newProviderExtractor(prov provider.Provider, model string) *providerExtractor {
	return &providerExtractor{prov: prov, model: model}
}

const extractUserTraitsPrompt = `Extract any durable facts about the user (preferences, environment, role) from this message. Reply with a JSON array of short strings, or [] if there are none.

Message:
%s`

const extractProjectFactsPrompt = `A tool call just ran. Extract any durable facts about the project (conventions, layout, technology choices) worth remembering. Reply with a JSON array of short strings, or [] if there are none.

Function: %s
Arguments: %s
Result: %s`

func (e *providerExtractor) ExtractUserTraits(ctx context.Context, userMessage string) ([]string, error) {
	return e.callForFacts(ctx, fmt.Sprintf(extractUserTraitsPrompt, userMessage))
}

func (e *providerExtractor) ExtractProjectFacts(ctx context.Context, funcName, argsJSON, result string) ([]string, error) {
	return e.callForFacts(ctx, fmt.Sprintf(extractProjectFactsPrompt, funcName, argsJSON, result))
}

func (e *providerExtractor) callForFacts(ctx context.Context, prompt string) ([]string, error) {
	req := provider.Request{
		Model:    e.model,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: prompt}},
	}
	iter, err := e.prov.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("notes extraction request failed: %w", err)
	}
	defer iter.Close()

	var out strings.Builder
	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("notes extraction stream error: %w", err)
		}
		if chunk.Event == provider.EventTextDelta {
			out.WriteString(chunk.Text)
		}
	}

	var facts []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &facts); err != nil {
		return nil, nil
	}
	return facts, nil
}

// splitterBridge adapts a notes.Splitter to core.Splitter; the two
// interfaces have an identical method set but are distinct named types, so
// Go does not consider *Accumulator to satisfy notes.Accumulator without
// this bridge.
type splitterBridge struct{ s notes.Splitter }

func (b splitterBridge) Next(maxChars int) (string, bool) { return b.s.Next(maxChars) }

// accumulatorBridge adapts *Accumulator to notes.Accumulator.
type accumulatorBridge struct{ acc *Accumulator }

func (b accumulatorBridge) Run(ctx context.Context, s notes.Splitter) (string, error) {
	return b.acc.Run(ctx, splitterBridge{s})
}

// newNotesAccumulator builds the Accumulator notes.Coordinator.Consolidate
// uses to reorganize the notes document, reusing the same prov/model as the
// rest of the session.
func newNotesAccumulator(prov provider.Provider, model provider.ModelInfo) notes.Accumulator {
	return accumulatorBridge{acc: &Accumulator{
		Provider:  prov,
		Model:     model,
		Tokenizer: tokenizer.NewEstimator(),
		Question:  "Reorganize these project notes into the canonical template, deduplicating and cleaning up entries.",
	}}
}
