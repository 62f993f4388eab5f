// Package indexer implements the background indexer: a per-session
// one-shot service that opportunistically embeds stale project files and
// conversations, plus a parallel memory indexer that promotes session
// memories to longer-lived project/global memory.
package indexer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// ItemKind distinguishes the two stale-entry types the indexer processes.
type ItemKind int

const (
	KindFile ItemKind = iota
	KindConversation
)

// Item is one stale entry queued for (re-)indexing.
type Item struct {
	Kind ItemKind
	ID   string // file path, or conversation id
}

// Result is what an Indexer produces for one item.
type Result struct {
	Summary   string
	Outline   string
	Embedding []float32
}

// Indexer reads one item's content and produces a summary, outline, and
// embedding. Implementations are supplied by the caller (an LLM-backed
// summarizer plus an embedding model client).
type Indexer interface {
	ReadContent(ctx context.Context, item Item) (string, error)
	Summarize(ctx context.Context, item Item, content string) (Result, error)
	Save(ctx context.Context, item Item, result Result) error
}

// defaultConversationCap is the hard cap on conversations processed per
// session, to bound embedding cost on first run of a large project.
const defaultConversationCap = 10

// BackgroundIndexer is a one-shot, per-session service: it drains a queue of
// stale items sequentially, at most one in flight at a time, and stops
// itself once the queue is empty. Cancellation is cooperative via Stop.
type BackgroundIndexer struct {
	mu              sync.Mutex
	idx             Indexer
	queue           []Item
	conversationCap int
	processedConvs  int
	running         bool
	stopCh          chan struct{}
	doneCh          chan struct{}
}

// New creates a background indexer over idx. conversationCap bounds how many
// conversation items are processed per session; 0 selects the default (~10).
func New(idx Indexer, conversationCap int) *BackgroundIndexer {
	if conversationCap <= 0 {
		conversationCap = defaultConversationCap
	}
	return &BackgroundIndexer{idx: idx, conversationCap: conversationCap}
}

// Enqueue adds items to the work queue. Safe to call before or after Start;
// items queued after the queue has drained are not picked up (Start is
// one-shot — create a new BackgroundIndexer for a new session).
func (b *BackgroundIndexer) Enqueue(items ...Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, items...)
}

// Start begins draining the queue in a background goroutine and returns
// immediately. It is an error to call Start twice on the same indexer.
func (b *BackgroundIndexer) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("indexer: already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	go b.run(ctx)
	return nil
}

// Stop requests cooperative cancellation and blocks until the current item
// (if any) finishes and the run loop exits.
func (b *BackgroundIndexer) Stop() {
	b.mu.Lock()
	stopCh := b.stopCh
	doneCh := b.doneCh
	running := b.running
	b.mu.Unlock()
	if !running {
		return
	}
	close(stopCh)
	<-doneCh
}

func (b *BackgroundIndexer) run(ctx context.Context) {
	defer func() {
		b.mu.Lock()
		b.running = false
		close(b.doneCh)
		b.mu.Unlock()
	}()

	for {
		item, ok := b.next()
		if !ok {
			return
		}

		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := b.process(ctx, item); err != nil {
			log.Printf("cosmos: indexer: skipping %v (id=%s): %v", item.Kind, item.ID, err)
		}
	}
}

func (b *BackgroundIndexer) next() (Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) > 0 {
		item := b.queue[0]
		b.queue = b.queue[1:]
		if item.Kind == KindConversation {
			if b.processedConvs >= b.conversationCap {
				continue // hard cap reached: drop remaining conversation items
			}
			b.processedConvs++
		}
		return item, true
	}
	return Item{}, false
}

func (b *BackgroundIndexer) process(ctx context.Context, item Item) error {
	content, err := b.idx.ReadContent(ctx, item)
	if err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	result, err := b.idx.Summarize(ctx, item, content)
	if err != nil {
		return fmt.Errorf("summarizing: %w", err)
	}
	if err := b.idx.Save(ctx, item, result); err != nil {
		return fmt.Errorf("saving: %w", err)
	}
	return nil
}

func (k ItemKind) String() string {
	if k == KindConversation {
		return "conversation"
	}
	return "file"
}

// Memory is one session-scoped candidate fact awaiting promotion.
type Memory struct {
	ConversationID string
	SessionTime    int64 // used only for oldest-first ordering
	Content        string
}

// MemoryAction is one action a promotion decision applies to a long-term
// memory: add a new one, replace an existing one, or delete one.
type MemoryAction struct {
	Action  string // "add", "replace", "delete"
	Scope   string // "project" or "global"
	Title   string
	Content string
}

// MemoryPromoter asks a secondary agent which actions to take on long-term
// memory given a session memory and existing candidates, and applies the
// resulting actions.
type MemoryPromoter interface {
	Candidates(ctx context.Context, scope string) ([]MemoryAction, error)
	Decide(ctx context.Context, memory Memory, candidates []MemoryAction) ([]MemoryAction, error)
	Apply(ctx context.Context, actions []MemoryAction) error
	MarkProcessed(ctx context.Context, conversationID string) error
}

// MemoryIndexer promotes session-scoped memories on unprocessed
// conversations to project/global memories, oldest-first, one at a time,
// excluding the currently active conversation.
type MemoryIndexer struct {
	promoter MemoryPromoter
}

// NewMemoryIndexer builds a memory indexer over promoter.
func NewMemoryIndexer(promoter MemoryPromoter) *MemoryIndexer {
	return &MemoryIndexer{promoter: promoter}
}

// ErrNoValidActions is returned when Decide's response contains an action
// whose Action field is not one of add/replace/delete.
var ErrNoValidActions = fmt.Errorf("indexer: memory promotion response contains an invalid action")

// ProcessAll promotes every unprocessed memory in memories except the one
// belonging to activeConversationID, oldest first.
func (m *MemoryIndexer) ProcessAll(ctx context.Context, memories []Memory, activeConversationID string) error {
	pending := make([]Memory, 0, len(memories))
	for _, mem := range memories {
		if mem.ConversationID == activeConversationID {
			continue
		}
		pending = append(pending, mem)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].SessionTime < pending[j].SessionTime })

	for _, mem := range pending {
		if err := m.processOne(ctx, mem); err != nil {
			log.Printf("cosmos: memory indexer: skipping conversation %s: %v", mem.ConversationID, err)
		}
	}
	return nil
}

func (m *MemoryIndexer) processOne(ctx context.Context, mem Memory) error {
	var candidates []MemoryAction
	for _, scope := range []string{"project", "global"} {
		c, err := m.promoter.Candidates(ctx, scope)
		if err != nil {
			return fmt.Errorf("fetching %s candidates: %w", scope, err)
		}
		candidates = append(candidates, c...)
	}

	actions, err := m.promoter.Decide(ctx, mem, candidates)
	if err != nil {
		return fmt.Errorf("deciding actions: %w", err)
	}
	if err := validateActions(actions); err != nil {
		return err
	}
	if err := m.promoter.Apply(ctx, actions); err != nil {
		return fmt.Errorf("applying actions: %w", err)
	}
	return m.promoter.MarkProcessed(ctx, mem.ConversationID)
}

func validateActions(actions []MemoryAction) error {
	for _, a := range actions {
		switch a.Action {
		case "add", "replace", "delete":
		default:
			return ErrNoValidActions
		}
	}
	return nil
}
