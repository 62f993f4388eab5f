// Package notes implements the per-project notes coordinator: ingesting
// facts from user messages and tool results, committing them into an
// unconsolidated staging section, and periodically consolidating the
// document back into its canonical layout.
package notes

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/flock"
)

// canonical section headers, in document order.
const (
	SectionSynopsis     = "SYNOPSIS"
	SectionUser         = "USER"
	SectionTech         = "LANGUAGES AND TECHNOLOGIES"
	SectionConventions  = "CONVENTIONS"
	SectionLayout       = "LAYOUT"
	SectionApplications = "APPLICATIONS & COMPONENTS"
	SectionNotes        = "NOTES"

	unconsolidatedHeader = "# NEW NOTES (unconsolidated)"
)

// Extractor runs the LLM calls that pull facts out of raw conversation
// material. Production callers back this with a provider call; tests can
// supply a stub.
type Extractor interface {
	ExtractUserTraits(ctx context.Context, userMessage string) ([]string, error)
	ExtractProjectFacts(ctx context.Context, funcName, argsJSON, result string) ([]string, error)
}

// Splitter matches core.Splitter structurally, so notes never needs to
// import the core package just for this one method signature.
type Splitter interface {
	Next(maxChars int) (chunk string, done bool)
}

// Accumulator produces a cleaned, reorganized notes document from the full
// current document. core.Accumulator's Run takes a core.Splitter rather than
// this package's Splitter, so core wraps it in an adapter (accumulatorBridge
// in core/notesadapter.go) to satisfy this interface.
type Accumulator interface {
	Run(ctx context.Context, splitter Splitter) (string, error)
}

// Coordinator owns one project's notes document on disk.
type Coordinator struct {
	path       string
	extractor  Extractor
	retryCount int
}

// New creates a coordinator for the notes file at path. retryCount bounds
// how many times Consolidate (and any Extractor call) retries on failure
// before surfacing a terminal error; 0 selects the default of 2.
func New(path string, extractor Extractor, retryCount int) *Coordinator {
	if retryCount <= 0 {
		retryCount = 2
	}
	if extractor == nil {
		extractor = noopExtractor{}
	}
	return &Coordinator{path: path, extractor: extractor, retryCount: retryCount}
}

func (c *Coordinator) lockPath() string { return c.path + ".lock" }

// memoPrefixes are the explicit-memo markers honoured verbatim as
// high-priority facts, regardless of what the LLM extraction call would
// have produced.
var memoPrefixes = []string{"note to self:", "remember:"}

// IngestUserMessage extracts user-trait bullets from a user message and
// returns them as new facts, retrying the extraction call on failure.
func (c *Coordinator) IngestUserMessage(ctx context.Context, userMessage string) ([]string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		facts, err := c.extractor.ExtractUserTraits(ctx, userMessage)
		if err == nil {
			return trimNonTrivial(facts), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("notes: extracting user traits: %w", lastErr)
}

// IngestToolCall extracts project facts from a tool call and its result,
// plus any explicit memo lines the tool's message contains verbatim.
func (c *Coordinator) IngestToolCall(ctx context.Context, funcName, argsJSON, result string) ([]string, error) {
	facts := memoFacts(result)

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		extracted, err := c.extractor.ExtractProjectFacts(ctx, funcName, argsJSON, result)
		if err == nil {
			return append(facts, trimNonTrivial(extracted)...), nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("notes: extracting project facts: %w", lastErr)
}

type noopExtractor struct{}

func (noopExtractor) ExtractUserTraits(context.Context, string) ([]string, error) {
	return nil, nil
}

func (noopExtractor) ExtractProjectFacts(context.Context, string, string, string) ([]string, error) {
	return nil, nil
}

func memoFacts(message string) []string {
	var facts []string
	for _, line := range strings.Split(message, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		for _, prefix := range memoPrefixes {
			if strings.HasPrefix(lower, prefix) {
				facts = append(facts, trimmed)
				break
			}
		}
	}
	return facts
}

func trimNonTrivial(facts []string) []string {
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Commit re-reads the notes file under a file lock, appends newFacts into a
// single unconsolidated section (merging with any existing one), and writes
// back. A missing file is treated as an empty document.
func (c *Coordinator) Commit(newFacts []string) error {
	if len(newFacts) == 0 {
		return nil
	}

	lock := flock.New(c.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("notes: locking: %w", err)
	}
	defer lock.Unlock()

	doc, err := readOrEmpty(c.path)
	if err != nil {
		return err
	}

	body, existing := extractUnconsolidated(doc)
	merged := append(existing, newFacts...)

	updated := replaceUnconsolidated(body, merged)
	return writeAtomic(c.path, updated)
}

// Consolidate collapses every unconsolidated block into one deduplicated
// block, then invokes acc to reorganize the whole document using the
// canonical template. If acc returns an empty document, the file is left
// untouched.
func (c *Coordinator) Consolidate(ctx context.Context, acc Accumulator) error {
	lock := flock.New(c.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("notes: locking: %w", err)
	}
	defer lock.Unlock()

	doc, err := readOrEmpty(c.path)
	if err != nil {
		return err
	}

	body, facts := extractUnconsolidated(doc)
	collapsed := dedupeBullets(facts)
	staged := replaceUnconsolidated(body, collapsed)

	var lastErr error
	var result string
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		result, lastErr = acc.Run(ctx, newLineSplitter(staged))
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return fmt.Errorf("notes: consolidating: %w", lastErr)
	}
	if strings.TrimSpace(result) == "" {
		return nil
	}
	return writeAtomic(c.path, result)
}

// dedupeBullets normalizes every bullet to "- <text>", preserves
// first-occurrence order, and drops subsequent items whose lowercased text
// already appeared.
func dedupeBullets(bullets []string) []string {
	seen := make(map[string]bool, len(bullets))
	out := make([]string, 0, len(bullets))
	for _, b := range bullets {
		text := normalizeBullet(b)
		key := strings.ToLower(text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, "- "+text)
	}
	return out
}

func normalizeBullet(b string) string {
	b = strings.TrimSpace(b)
	b = strings.TrimPrefix(b, "-")
	b = strings.TrimPrefix(b, "*")
	return strings.TrimSpace(b)
}

// extractUnconsolidated removes every "# NEW NOTES (unconsolidated)" block
// from doc and returns (remaining document, concatenated bullet lines).
func extractUnconsolidated(doc string) (string, []string) {
	lines := strings.Split(doc, "\n")
	var kept []string
	var facts []string
	inBlock := false
	for _, line := range lines {
		if strings.TrimSpace(line) == unconsolidatedHeader {
			inBlock = true
			continue
		}
		if inBlock && strings.HasPrefix(line, "# ") {
			inBlock = false
		}
		if inBlock {
			if strings.TrimSpace(line) != "" {
				facts = append(facts, line)
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), "\n"), facts
}

func replaceUnconsolidated(body string, facts []string) string {
	if len(facts) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n\n")
	b.WriteString(unconsolidatedHeader)
	b.WriteString("\n")
	for _, f := range facts {
		if strings.HasPrefix(strings.TrimSpace(f), "-") {
			b.WriteString(f)
		} else {
			b.WriteString("- " + strings.TrimSpace(f))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func readOrEmpty(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("notes: reading %s: %w", path, err)
	}
	return string(data), nil
}

func writeAtomic(path, content string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("notes: writing %s: %w", path, err)
	}
	if err := os.Chmod(tmp, 0600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("notes: chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("notes: renaming %s: %w", path, err)
	}
	return nil
}

// lineSplitter walks a string one line at a time, sized to a character
// budget, for feeding into core.Accumulator without a direct dependency.
type lineSplitter struct{ remaining string }

func newLineSplitter(text string) *lineSplitter { return &lineSplitter{remaining: text} }

func (s *lineSplitter) Next(maxChars int) (string, bool) {
	if maxChars <= 0 {
		maxChars = 1
	}
	if len(s.remaining) <= maxChars {
		chunk := s.remaining
		s.remaining = ""
		return chunk, true
	}
	cut := strings.LastIndex(s.remaining[:maxChars], "\n")
	if cut <= 0 {
		cut = maxChars
	}
	chunk := s.remaining[:cut]
	s.remaining = s.remaining[cut:]
	return chunk, s.remaining == ""
}
