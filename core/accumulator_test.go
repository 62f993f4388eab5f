package core

import (
	"context"
	"io"
	"strings"
	"testing"

	"cosmos/core/provider"
	"cosmos/core/tokenizer"
)

// fakeAccumProvider echoes back a deterministic transform of the prompt so
// tests can assert on the fold without a real model.
type fakeAccumProvider struct {
	calls []string
}

type fakeIterator struct {
	chunks []provider.StreamChunk
	i      int
}

func (it *fakeIterator) Next() (provider.StreamChunk, error) {
	if it.i >= len(it.chunks) {
		return provider.StreamChunk{}, io.EOF
	}
	c := it.chunks[it.i]
	it.i++
	return c, nil
}

func (it *fakeIterator) Close() error { return nil }

func (f *fakeAccumProvider) Send(ctx context.Context, req provider.Request) (provider.StreamIterator, error) {
	prompt := req.Messages[0].Content
	f.calls = append(f.calls, prompt)

	var reply string
	switch {
	case strings.Contains(prompt, "## Next chunk"):
		lines := strings.Split(prompt, "## Next chunk\n")
		reply = "buffer+" + strings.TrimSpace(lines[1])
	default:
		reply = "final:" + strings.TrimSpace(strings.Split(prompt, "## Accumulated buffer\n")[1])
	}

	return &fakeIterator{chunks: []provider.StreamChunk{{Event: provider.EventTextDelta, Text: reply}}}, nil
}

func (f *fakeAccumProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

func TestAccumulatorFoldsLeftToRight(t *testing.T) {
	p := &fakeAccumProvider{}
	acc := &Accumulator{
		Provider:  p,
		Model:     provider.ModelInfo{ID: "test-model", ContextWindow: 100000},
		Tokenizer: tokenizer.NewEstimator(),
		Question:  "summarize",
	}

	splitter := NewStringSplitter("abcdefghijklmnopqrstuvwxyz")
	final, err := acc.Run(context.Background(), splitter)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(final, "final:") {
		t.Errorf("final = %q, want final: prefix", final)
	}
	if len(p.calls) < 2 {
		t.Fatalf("expected at least an update call and a finalize call, got %d", len(p.calls))
	}
}

func TestStringSplitterExhaustsInput(t *testing.T) {
	s := NewStringSplitter("hello world")
	chunk, done := s.Next(5)
	if chunk != "hello" || done {
		t.Errorf("first Next = %q, %v", chunk, done)
	}
	chunk, done = s.Next(100)
	if chunk != " world" || !done {
		t.Errorf("second Next = %q, %v", chunk, done)
	}
}
