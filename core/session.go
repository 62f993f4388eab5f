package core

import (
	"context"
	"cosmos/core/convo"
	"cosmos/core/namepool"
	"cosmos/core/provider"
	"cosmos/core/tempfiles"
	"cosmos/engine/notes"
	"cosmos/engine/policy"
	"cosmos/engine/runtime"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SnapshotContextUpdater tells a file snapshotter which interaction/tool
// call a subsequent file mutation belongs to, so it can be grouped for
// changelog display and rollback. Satisfied by *vfs.Snapshotter without
// this package importing engine/vfs.
type SnapshotContextUpdater interface {
	SetSnapshotContext(interactionID, toolCallID string)
}

// Session is the per-run orchestrator: it owns the conversation server, the
// completion driver, and the bits of UI-facing bookkeeping (slash commands,
// tab completion, file-change notification) the teacher's single monolithic
// session type used to handle directly.
type Session struct {
	mu sync.Mutex

	id                string
	sessionsDir       string
	permissionTimeout time.Duration
	snapshotUpdater   SnapshotContextUpdater

	srv      *convo.Server
	driver   *Driver
	notifier Notifier
	model    string
	temp     *tempfiles.Service
	gate     *policy.Gate // nil in non-interactive/test setups

	prov       provider.Provider
	notesCoord *notes.Coordinator // nil until SetNotesDir is called

	cancel context.CancelFunc
	runCtx context.Context
}

// NewSession wires a fresh conversation around prov/tracker/notifier, with
// tools drawn from a loaded V8Executor (engine/loader.Load's result). The
// tool registry is created here, so only those executor tools are in it.
func NewSession(
	sessionID string,
	prov provider.Provider,
	tracker *Tracker,
	notifier Notifier,
	model string,
	systemMsg string,
	maxTokens int,
	executor *runtime.V8Executor,
	tools []provider.ToolDefinition,
	auditLogger *policy.AuditLogger,
	gate *policy.Gate, // approvals broker; shared with the executor's ToolContext
	namePoolChunkSize int, // 0 selects len(defaultAgentNames), i.e. 6
) *Session {
	reg := runtime.NewRegistry()
	if executor != nil {
		for _, def := range tools {
			runtime.RegisterV8Tool(reg, executor, def.Name, def.InputSchema, false)
		}
	}

	if namePoolChunkSize <= 0 {
		namePoolChunkSize = len(defaultAgentNames)
	}
	pool := namepool.New(staticNameGenerator{}, namePoolChunkSize, 5*time.Second)
	driver := NewDriver(prov, tracker, notifier, reg, tools, model, systemMsg, maxTokens, pool, auditLogger)

	store := convo.NewStore(defaultConversationsDir(""))
	srv := convo.NewServer(store)
	srv.StartNew(sessionID)

	sess := &Session{
		id:       srv.ID(),
		srv:      srv,
		driver:   driver,
		notifier: notifier,
		model:    model,
		temp:     tempfiles.New(filepath.Join(".cosmos", "tmp"), srv.ID()),
		gate:     gate,
		prov:     prov,
	}
	driver.SetToolCallObserver(sess.ingestToolCallNotes)
	return sess
}

// EnableAutoApproval pre-grants tag/subject for the remainder of this
// session, bypassing the gate's interactive prompt entirely. A no-op if no
// gate was configured. Intended for UI flows that let a user approve a
// class of action once and have it stick for the session.
func (s *Session) EnableAutoApproval(tag, subject string) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate == nil {
		return
	}
	gate.EnableAutoApproval(tag, subject)
}

// defaultAgentNames seeds the name pool used to greet a fresh conversation.
var defaultAgentNames = []string{"Gary", "Nova", "Ada", "Pike", "Wren", "Orin"}

// staticNameGenerator hands out defaultAgentNames instead of calling an LLM;
// agent display names are cosmetic and don't warrant a model round trip.
type staticNameGenerator struct{}

func (staticNameGenerator) GenerateNames(_ context.Context, n int) ([]string, error) {
	if n > len(defaultAgentNames) {
		n = len(defaultAgentNames)
	}
	return append([]string{}, defaultAgentNames[:n]...), nil
}

func defaultConversationsDir(sessionsDir string) string {
	if sessionsDir == "" {
		return filepath.Join(".cosmos", "conversations")
	}
	return filepath.Join(sessionsDir, "conversations")
}

// SetSessionsDir repoints where conversations persist and where /restore
// completions are drawn from, without losing in-flight conversation state.
func (s *Session) SetSessionsDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionsDir = dir
	s.srv.SetStore(convo.NewStore(defaultConversationsDir(dir)))
}

// SetNotesDir wires a per-project notes coordinator rooted at dir (the
// project-local .cosmos directory), retrying extraction/consolidation up
// to retryCount times (0 selects notes.Coordinator's own default). Until
// called, note-taking is disabled: SubmitMessage will not attempt
// extraction, matching the nil-safe, opt-in wiring style used for the VFS
// snapshot updater.
func (s *Session) SetNotesDir(dir string, retryCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = os.MkdirAll(dir, 0o700)
	path := filepath.Join(dir, "NOTES.md")
	s.notesCoord = notes.New(path, newProviderExtractor(s.prov, s.model), retryCount)
}

// ConsolidateNotes reorganizes the notes document into its canonical
// layout, deduplicating anything staged since the last consolidation. A
// no-op if SetNotesDir was never called.
func (s *Session) ConsolidateNotes(ctx context.Context) error {
	s.mu.Lock()
	coord := s.notesCoord
	model := s.model
	s.mu.Unlock()
	if coord == nil {
		return nil
	}
	modelInfo, err := s.driver.getModelInfo(ctx)
	info := provider.ModelInfo{ID: model}
	if err == nil && modelInfo != nil {
		info = *modelInfo
	}
	return coord.Consolidate(ctx, newNotesAccumulator(s.prov, info))
}

// SetPermissionTimeout records d on the session. Nothing reads the stored
// value: the wait of a tool-permission prompt is the timeout its prompter
// was built with (see NewGatePrompter).
func (s *Session) SetPermissionTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissionTimeout = d
}

// SetSnapshotContextUpdater wires a file snapshotter so tool calls that
// mutate files can be grouped into the active interaction for the
// changelog page and /restore.
func (s *Session) SetSnapshotContextUpdater(u SnapshotContextUpdater) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotUpdater = u
}

// RecordFileChange notifies the UI that a tool mutated a file on disk.
func (s *Session) RecordFileChange(path, operation string, wasNewFile bool) {
	s.notifier.Send(FileChangeEvent{Path: path, Operation: operation, WasNewFile: wasNewFile})
}

// PerformanceReport returns the session's per-model, per-reasoning-level
// timing and throughput report built up over every completion round so
// far.
func (s *Session) PerformanceReport() PerfReport {
	return s.driver.PerformanceReport()
}

// TempFile hands out a process-lifetime-scoped scratch file for tool or
// driver code that needs to stage intermediate output (e.g. large tool
// results too big to inline). Everything created this way is removed when
// the session stops.
func (s *Session) TempFile(pattern string) (*os.File, error) {
	return s.temp.Create(pattern)
}

// Start begins the session's lifetime; ctx governs every subsequent
// SubmitMessage round until Stop cancels it.
func (s *Session) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.runCtx = runCtx
	s.mu.Unlock()
	go func() {
		<-runCtx.Done()
	}()
}

// Stop cancels any in-flight completion round and persists final state.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := s.srv.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: session save failed: %v\n", err)
	}
	if err := s.temp.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: temp file cleanup failed: %v\n", err)
	}
}

var slashCommands = []string{"/help", "/clear", "/model", "/restore", "/compact", "/quit"}

// Completions implements ui.CompletionProvider for slash-command tab
// cycling; anything not starting with "/" has no completions.
func (s *Session) Completions(prefix string) []string {
	if !strings.HasPrefix(prefix, "/") {
		return nil
	}
	var out []string
	for _, c := range slashCommands {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// SubmitMessage implements ui.SessionSubmitter. A handful of slash commands
// are handled locally; everything else is appended as a user turn and
// driven through a full completion round in the background.
func (s *Session) SubmitMessage(text string) {
	trimmed := strings.TrimSpace(text)
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	switch {
	case trimmed == "/clear":
		s.srv.ReplaceMsgs(nil)
		s.notifier.Send(HistoryClearedEvent{})
		return
	case strings.HasPrefix(trimmed, "/model "):
		model := strings.TrimSpace(strings.TrimPrefix(trimmed, "/model "))
		s.mu.Lock()
		s.model = model
		s.driver.SetModel(model)
		s.mu.Unlock()
		s.notifier.Send(ModelChangedEvent{ModelID: model})
		return
	case trimmed == "/compact":
		go func() {
			if err := s.driver.CompactNow(ctx, s.srv); err != nil {
				s.notifier.Send(ErrorEvent{Error: err.Error()})
			}
		}()
		return
	}

	s.srv.AppendMsg(convo.User(text))
	go s.runTurn(ctx)
	go s.ingestNotes(ctx, text)
}

func (s *Session) runTurn(ctx context.Context) {
	if _, err := s.driver.Get(ctx, s.srv); err != nil {
		s.notifier.Send(ErrorEvent{Error: err.Error()})
		return
	}
	if err := s.srv.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: session save failed: %v\n", err)
	}
}

// ingestNotes extracts durable facts from a user message into the project
// notes file. Best-effort: disabled until SetNotesDir is called, and a
// failed extraction only logs rather than interrupting the conversation.
func (s *Session) ingestNotes(ctx context.Context, userMessage string) {
	s.mu.Lock()
	coord := s.notesCoord
	s.mu.Unlock()
	if coord == nil {
		return
	}
	facts, err := coord.IngestUserMessage(ctx, userMessage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: notes ingestion failed: %v\n", err)
		return
	}
	s.commitFacts("user message", facts, coord)
}

// ingestToolCallNotes extracts durable project facts from a completed tool
// call into the project notes file, mirroring ingestNotes's pattern for
// user messages. Best-effort: disabled until SetNotesDir is called.
func (s *Session) ingestToolCallNotes(ctx context.Context, funcName, argsJSON, result string) {
	s.mu.Lock()
	coord := s.notesCoord
	s.mu.Unlock()
	if coord == nil {
		return
	}
	facts, err := coord.IngestToolCall(ctx, funcName, argsJSON, result)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: notes ingestion failed: %v\n", err)
		return
	}
	s.commitFacts(funcName, facts, coord)
}

// commitFacts writes facts to the notes document and, separately, captures
// each one as a new session-scoped Memory entry so it survives until the
// background indexer (or a future compaction round) promotes or folds it.
func (s *Session) commitFacts(source string, facts []string, coord *notes.Coordinator) {
	if len(facts) == 0 {
		return
	}
	if err := coord.Commit(facts); err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: notes commit failed: %v\n", err)
	}
	for _, f := range facts {
		s.srv.AppendMemory(source, f)
	}
}

// RestoreSession loads a previously saved conversation by id and notifies
// the UI of the restored description/message count.
func (s *Session) RestoreSession(id string) error {
	if err := s.srv.Load(id); err != nil {
		return err
	}
	msgs := s.srv.GetMessages()
	desc := ""
	for _, m := range msgs {
		if m.Kind == convo.KindUser {
			desc = m.Content
			break
		}
	}
	if runes := []rune(desc); len(runes) > 100 {
		desc = string(runes[:100])
	}
	s.notifier.Send(SessionRestoredEvent{Description: desc, MessageCount: len(msgs)})
	return nil
}

// ListConversations returns saved conversations under the session's
// conversations directory, newest first, superseding the fixed-shape
// SavedSession file format the teacher used.
func (s *Session) ListConversations() ([]convo.Summary, error) {
	s.mu.Lock()
	dir := s.sessionsDir
	s.mu.Unlock()
	return convo.NewStore(defaultConversationsDir(dir)).List()
}
