package core

import (
	"context"
	"cosmos/core/convo"
	"cosmos/core/namepool"
	"cosmos/core/provider"
	"cosmos/core/tokenizer"
	"cosmos/engine/policy"
	"cosmos/engine/runtime"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const (
	// compactionKeepRecent is how many of the most recent non-preserved
	// messages survive a compaction round untouched.
	compactionKeepRecent = 5

	// autoCompactThreshold triggers an unforced compaction once context usage
	// crosses this fraction of the model's window.
	autoCompactThreshold = 0.80

	// warnThreshold triggers a context warning that is sent once, and again
	// only after a compaction has re-armed it.
	warnThreshold = 0.50

	// defaultAsyncWorkers bounds how many async tool calls run concurrently
	// within one batch when the driver isn't configured with an explicit
	// budget.
	defaultAsyncWorkers = 4

	compactionPromptTemplate = `You are tasked with summarizing a coding conversation to reduce token usage while preserving all critical information.

**Guidelines:**
- Preserve all technical decisions, code snippets, file paths, and function names
- Maintain chronological order of key developments
- Omit pleasantries, redundant explanations, and off-topic tangents
- Use concise technical language
- Target length: ~25%% of original

**Prior canonical summary (if any):**
%s

**Conversation to summarize:**
%s

Write the summary in markdown format, prefixed with the line "Summary of conversation and research thus far". Be extremely concise.`

	tersifyPromptTemplate = `Paraphrase the following message as tersely as possible while preserving every fact, file path, function name, and decision it contains. Reply with only the paraphrase.

%s`
)

// Outcome classifies how a completion round ended.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeErr
	OutcomeContextExceeded
)

// Result is the completion driver's public return value.
type Result struct {
	Outcome    Outcome
	Response   string
	UsedTokens int
}

// Driver alternates between model calls and tool dispatch for one
// conversation, applying deduplication, context-window compaction, and the
// escalation ladder described in Get's doc comment.
type Driver struct {
	provider    provider.Provider
	tracker     *Tracker
	perf        *PerfTracker
	notifier    Notifier
	registry    *runtime.Registry
	tools       []provider.ToolDefinition
	namePool    *namepool.Pool
	auditLogger *policy.AuditLogger

	model         string
	systemMsg     string
	maxTokens     int
	asyncWorkers  int
	tok           tokenizer.Tokenizer

	mu              sync.Mutex
	warned50        bool
	cachedModelInfo *provider.ModelInfo
	modelInfoOnce   sync.Once

	toolObserver func(ctx context.Context, funcName, argsJSON, result string)
}

// Notifier interface for UI updates. The Send method accepts any event type;
// the adapter in app/adapter.go translates core events into framework-specific messages.
type Notifier interface {
	Send(msg any)
}

// NewDriver constructs a completion driver. namePool and auditLogger may be
// nil (names fall back to the sentinel, audit logging is skipped).
func NewDriver(
	prov provider.Provider,
	tracker *Tracker,
	notifier Notifier,
	registry *runtime.Registry,
	tools []provider.ToolDefinition,
	model string,
	systemMsg string,
	maxTokens int,
	namePool *namepool.Pool,
	auditLogger *policy.AuditLogger,
) *Driver {
	return &Driver{
		provider:     prov,
		tracker:      tracker,
		perf:         NewPerfTracker(),
		notifier:     notifier,
		registry:     registry,
		tools:        tools,
		model:        model,
		systemMsg:    systemMsg,
		maxTokens:    maxTokens,
		namePool:     namePool,
		auditLogger:  auditLogger,
		asyncWorkers: defaultAsyncWorkers,
		tok:          tokenizer.NewEstimator(),
	}
}

// SetModel switches the model used for the next completion round. Any round
// already in flight finishes against the model it started with.
func (d *Driver) SetModel(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.model = model
	d.cachedModelInfo = nil
}

// SetToolCallObserver wires a callback invoked, best-effort and out of the
// critical path, after every completed tool call — the route project facts
// derived from tool results take into the notes coordinator, mirroring how
// user messages are routed through it. nil disables the observer (the
// default; most tests don't need one).
func (d *Driver) SetToolCallObserver(observer func(ctx context.Context, funcName, argsJSON, result string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toolObserver = observer
}

// PerformanceReport summarizes timing and throughput across every model
// call made so far, grouped by model and reasoning level.
func (d *Driver) PerformanceReport() PerfReport {
	return d.perf.GenerateReport()
}

// CompactNow runs an unconditional manual compaction, as triggered by the
// /compact command, regardless of current context usage.
func (d *Driver) CompactNow(ctx context.Context, srv *convo.Server) error {
	return d.compact(ctx, srv, compactionKeepRecent, "manual")
}

// Get runs the completion loop against srv's current conversation until the
// model produces a final text response, the context-overflow ladder is
// exhausted, or an unrecoverable provider error occurs.
//
//	loop:
//	    inject pending interrupts
//	    call the model
//	    text response  -> append, maybe compact, return Ok
//	    tool calls     -> dispatch, append request/response pairs, continue
//	    context overflow -> escalate (compact, then tersify), continue or return
//	    other error    -> render into the result, return
func (d *Driver) Get(ctx context.Context, srv *convo.Server) (Result, error) {
	if err := d.ensureAgentName(ctx, srv); err != nil {
		return Result{Outcome: OutcomeErr, Response: err.Error()}, err
	}

	compactionStage := 0
	expected := len(srv.GetMessages())

	for {
		msgs := d.checkInterrupts(srv, &expected)

		wireMsgs, sysPrompt := toWireMessages(msgs, d.systemMsg)
		req := provider.Request{
			Model:     d.model,
			System:    sysPrompt,
			Messages:  wireMsgs,
			Tools:     d.tools,
			MaxTokens: d.maxTokens,
		}

		var perfID string
		if modelInfo, err := d.getModelInfo(ctx); err == nil && modelInfo != nil {
			req.ReasoningEffort = modelInfo.Reasoning
			perfID = d.perf.BeginTracking(*modelInfo)
		}

		text, toolCalls, usage, stopReason, callErr := d.call(ctx, req)
		if usage != nil && perfID != "" {
			d.perf.EndTracking(perfID, *usage)
		}
		if callErr != nil {
			var ce *provider.CallError
			if errors.As(callErr, &ce) && ce.Kind == provider.ErrKindContextLengthExceeded {
				escalated, err := d.escalate(ctx, srv, &compactionStage)
				if err != nil {
					return Result{Outcome: OutcomeErr, Response: err.Error(), UsedTokens: ce.UsedTokens}, err
				}
				if !escalated {
					resp := "conversation is too large to handle even after aggressive compaction and tersification"
					return Result{Outcome: OutcomeContextExceeded, Response: resp, UsedTokens: ce.UsedTokens}, nil
				}
				expected = len(srv.GetMessages())
				continue
			}
			d.notifier.Send(ErrorEvent{Error: callErr.Error()})
			return Result{Outcome: OutcomeErr, Response: callErr.Error()}, callErr
		}

		if usage != nil {
			d.recordUsage(ctx, *usage)
		}

		if stopReason == "tool_use" && len(toolCalls) > 0 {
			d.handleToolCalls(ctx, srv, toolCalls)
			expected = len(srv.GetMessages())
			d.checkInterrupts(srv, &expected)
			d.notifier.Send(CompletionEvent{})
			continue
		}

		content := text
		if content == "" {
			content = "(No response)"
		}
		srv.AppendMsg(convo.AssistantText(content))
		expected++

		if usage != nil {
			d.maybeCompact(ctx, srv, *usage)
		}

		d.notifier.Send(CompletionEvent{})
		total := 0
		if usage != nil {
			total = usage.InputTokens + usage.OutputTokens
		}
		return Result{Outcome: OutcomeOK, Response: content, UsedTokens: total}, nil
	}
}

// checkInterrupts surfaces any messages appended to srv since the driver
// last accounted for (expected messages) — user interjections land in srv's
// message list the moment they're submitted, so the driver only needs to
// notice the gap at its two suspension points and persist it.
func (d *Driver) checkInterrupts(srv *convo.Server, expected *int) []convo.Message {
	msgs := srv.GetMessages()
	if len(msgs) > *expected {
		d.notifier.Send(TokenEvent{Text: "your message will be seen after the current step completes"})
		if err := srv.Save(); err != nil {
			d.notifier.Send(ErrorEvent{Error: "persisting interrupt failed: " + err.Error()})
		}
	}
	*expected = len(msgs)
	return msgs
}

// ensureAgentName installs "Your name is <name>." at position 0 if no such
// system message already exists anywhere in the history.
func (d *Driver) ensureAgentName(ctx context.Context, srv *convo.Server) error {
	msgs := srv.GetMessages()
	for _, m := range msgs {
		if m.Kind == convo.KindSystem && strings.HasPrefix(m.Content, "Your name is ") {
			return nil
		}
	}

	name := namepool.SentinelName
	if d.namePool != nil {
		n, err := d.namePool.Checkout(ctx)
		if err != nil {
			return fmt.Errorf("checking out agent name: %w", err)
		}
		name = n
	}

	withName := append([]convo.Message{convo.System(fmt.Sprintf("Your name is %s.", name))}, msgs...)
	srv.ReplaceMsgs(withName)
	return nil
}

// toWireMessages flattens the conversation-level tagged Message sequence
// into the Bedrock-style wire convention: consecutive Tool-response messages
// batch into a single user turn carrying multiple ToolResults, and every
// System message folds into the returned system prompt rather than the
// message array (provider.Message has no system role).
func toWireMessages(msgs []convo.Message, baseSystem string) ([]provider.Message, string) {
	var sys strings.Builder
	sys.WriteString(baseSystem)

	var wire []provider.Message
	var pendingResults []provider.ToolResult
	flush := func() {
		if len(pendingResults) > 0 {
			wire = append(wire, provider.Message{Role: provider.RoleUser, ToolResults: pendingResults})
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Kind {
		case convo.KindSystem:
			if sys.Len() > 0 {
				sys.WriteString("\n")
			}
			sys.WriteString(m.Content)
		case convo.KindUser:
			flush()
			wire = append(wire, provider.Message{Role: provider.RoleUser, Content: m.Content})
		case convo.KindAssistantText:
			flush()
			wire = append(wire, provider.Message{Role: provider.RoleAssistant, Content: m.Content})
		case convo.KindAssistantToolReq:
			flush()
			wire = append(wire, provider.Message{Role: provider.RoleAssistant, ToolCalls: toProviderToolCalls(m.ToolCalls)})
		case convo.KindToolResponse:
			pendingResults = append(pendingResults, provider.ToolResult{ToolUseID: m.ToolCallID, Content: m.Content})
		}
	}
	flush()
	return wire, sys.String()
}

func toProviderToolCalls(calls []convo.ToolCall) []provider.ToolCall {
	out := make([]provider.ToolCall, len(calls))
	for i, c := range calls {
		var input map[string]any
		if c.Arguments != "" {
			if err := json.Unmarshal([]byte(c.Arguments), &input); err != nil {
				input = map[string]any{"_raw": c.Arguments}
			}
		}
		out[i] = provider.ToolCall{ID: c.ID, Name: c.Name, Input: input}
	}
	return out
}

// pendingToolCall accumulates streaming fragments for a single tool call.
type pendingToolCall struct {
	id        string
	name      string
	inputJSON strings.Builder
}

// call sends req and drains the stream, returning the accumulated text,
// completed tool calls, usage, and stop reason.
func (d *Driver) call(ctx context.Context, req provider.Request) (string, []provider.ToolCall, *provider.Usage, string, error) {
	iter, err := d.provider.Send(ctx, req)
	if err != nil {
		return "", nil, nil, "", fmt.Errorf("provider send failed: %w", err)
	}
	defer iter.Close()

	var fullText strings.Builder
	var toolCalls []provider.ToolCall
	var pending *pendingToolCall
	var usage *provider.Usage
	var stopReason string

	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, nil, "", fmt.Errorf("stream error: %w", err)
		}

		switch chunk.Event {
		case provider.EventTextDelta:
			fullText.WriteString(chunk.Text)
			d.notifier.Send(TokenEvent{Text: chunk.Text})

		case provider.EventToolStart:
			pending = &pendingToolCall{id: chunk.ToolCallID, name: chunk.ToolName}

		case provider.EventToolDelta:
			if pending != nil {
				pending.inputJSON.WriteString(chunk.InputDelta)
			}

		case provider.EventToolEnd:
			if pending != nil {
				var input map[string]any
				if raw := pending.inputJSON.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &input); err != nil {
						input = map[string]any{"_raw": raw}
					}
				}
				toolCalls = append(toolCalls, provider.ToolCall{ID: pending.id, Name: pending.name, Input: input})
				pending = nil
			}

		case provider.EventMessageStop:
			usage = chunk.Usage
			stopReason = chunk.StopReason
		}
	}

	return fullText.String(), toolCalls, usage, stopReason, nil
}

func (d *Driver) recordUsage(ctx context.Context, usage provider.Usage) {
	if d.tracker == nil {
		return
	}
	modelInfo, err := d.getModelInfo(ctx)
	if err != nil || modelInfo == nil {
		return
	}
	d.tracker.Record(*modelInfo, usage, SourcePrompt)
}

// toolOutcome is one tool call's resolved content, ready to become a
// Tool-response message.
type toolOutcome struct {
	content string
	isError bool
}

// handleToolCalls runs one round of tool dispatch: dedup, partition into
// async/sync batches, execute, then emit request/response message pairs in
// original call order regardless of completion order.
func (d *Driver) handleToolCalls(ctx context.Context, srv *convo.Server, calls []provider.ToolCall) {
	deduped := dedupToolCalls(calls)
	results := make([]toolOutcome, len(deduped))

	var asyncIdx, syncIdx []int
	for i, c := range deduped {
		if d.registry != nil && d.registry.IsAsync(c.Name) {
			asyncIdx = append(asyncIdx, i)
		} else {
			syncIdx = append(syncIdx, i)
		}
	}

	if len(asyncIdx) > 0 {
		d.runAsyncBatch(ctx, deduped, asyncIdx, results)
	}
	for _, i := range syncIdx {
		results[i] = d.runOneTool(ctx, deduped[i])
	}

	for i, c := range deduped {
		inputJSON, _ := json.Marshal(c.Input)
		d.notifier.Send(ToolUseEvent{ToolCallID: c.ID, ToolName: c.Name, Input: string(inputJSON)})

		res := results[i]
		srv.AppendMsg(convo.AssistantToolRequest([]convo.ToolCall{{ID: c.ID, Name: c.Name, Arguments: string(inputJSON)}}))
		srv.AppendMsg(convo.ToolResponse(c.ID, c.Name, res.content))

		d.notifier.Send(ToolResultEvent{ToolCallID: c.ID, ToolName: c.Name, Result: res.content, IsError: res.isError})
		d.notifier.Send(ToolExecutionEvent{ToolCallID: c.ID, ToolName: c.Name, Input: string(inputJSON), Output: res.content, IsError: res.isError})

		d.mu.Lock()
		observer := d.toolObserver
		d.mu.Unlock()
		if observer != nil && !res.isError {
			go observer(ctx, c.Name, string(inputJSON), res.content)
		}

		if d.auditLogger != nil {
			if err := d.auditLogger.Log(policy.AuditEntry{
				Agent:      "stub",
				Tool:       c.Name,
				Permission: "stub",
				Decision:   decisionFromError(res.isError),
				Source:     "manifest",
				Arguments:  c.Input,
				ToolCallID: c.ID,
				Error:      errorStringFor(res),
			}); err != nil {
				d.notifier.Send(ErrorEvent{Error: "audit log failed: " + err.Error()})
			}
		}
	}
}

// dedupToolCalls drops later calls in the batch whose {name,
// canonicalized-arguments} fingerprint duplicates an earlier call.
func dedupToolCalls(calls []provider.ToolCall) []provider.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := make([]provider.ToolCall, 0, len(calls))
	for _, c := range calls {
		argsJSON, _ := json.Marshal(c.Input)
		key := convo.Fingerprint(c.Name, string(argsJSON))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func (d *Driver) runAsyncBatch(ctx context.Context, calls []provider.ToolCall, idx []int, results []toolOutcome) {
	budget := d.asyncWorkers
	if budget <= 0 {
		budget = defaultAsyncWorkers
	}
	sem := make(chan struct{}, budget)
	var wg sync.WaitGroup
	for _, i := range idx {
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.runOneTool(ctx, calls[i])
		}()
	}
	wg.Wait()
}

func (d *Driver) runOneTool(ctx context.Context, c provider.ToolCall) toolOutcome {
	if d.registry == nil {
		return toolOutcome{content: "no tool registry configured", isError: true}
	}
	res := d.registry.Perform(ctx, c.Name, c.Input)
	return toolOutcome{content: renderToolResult(d.registry, c, res), isError: res.Kind != runtime.ResultOK}
}

// renderToolResult turns a runtime.ToolResult into the text fed back to the
// model. Error variants include the full argument JSON and, where available,
// the tool's spec, so the model can self-correct on the next turn.
func renderToolResult(reg *runtime.Registry, call provider.ToolCall, res runtime.ToolResult) string {
	argsJSON, _ := json.Marshal(call.Input)

	switch res.Kind {
	case runtime.ResultOK:
		return res.Text
	case runtime.ResultErr:
		return res.Message
	case runtime.ResultErrExit:
		return fmt.Sprintf("tool %q exited with code %d: %s (arguments were %s).%s", call.Name, res.Code, res.Message, argsJSON, specReminder(reg, call.Name))
	case runtime.ResultErrUnknownTool:
		return fmt.Sprintf("error: unknown tool %q. Arguments were %s. Check the tool name against the available tool list.", res.Name, argsJSON)
	case runtime.ResultErrMissingArgument:
		return fmt.Sprintf("error: missing required argument %q for tool %q. Arguments were %s.%s", res.Key, call.Name, argsJSON, specReminder(reg, call.Name))
	case runtime.ResultErrInvalidArgument:
		return fmt.Sprintf("error: invalid value for argument %q of tool %q. Arguments were %s.%s", res.Key, call.Name, argsJSON, specReminder(reg, call.Name))
	default:
		return "unknown tool result"
	}
}

func specReminder(reg *runtime.Registry, name string) string {
	if reg == nil {
		return ""
	}
	t, ok := reg.Lookup(name)
	if !ok || t.Spec == nil {
		return ""
	}
	specJSON, err := json.Marshal(t.Spec)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(" The tool's spec is %s.", specJSON)
}

// escalate advances the context-overflow ladder by one stage: unconditional
// compaction, then tersification, then exhaustion.
func (d *Driver) escalate(ctx context.Context, srv *convo.Server, stage *int) (bool, error) {
	switch *stage {
	case 0:
		d.compact(ctx, srv, compactionKeepRecent, "escalation") // best-effort; retry regardless
		*stage = 1
		return true, nil
	case 1:
		if err := d.tersify(ctx, srv); err != nil {
			return false, fmt.Errorf("tersification failed: %w", err)
		}
		*stage = 2
		return true, nil
	default:
		return false, nil
	}
}

// maybeCompact runs the periodic (non-forced) compaction check: skip if
// usage crossed neither threshold, warn at 50% (once until the next
// compaction), and compact at 80%. A failed compaction here leaves the conversation unchanged.
func (d *Driver) maybeCompact(ctx context.Context, srv *convo.Server, usage provider.Usage) {
	modelInfo, err := d.getModelInfo(ctx)
	if err != nil || modelInfo == nil || modelInfo.ContextWindow == 0 {
		return
	}

	usedPct := float64(usage.InputTokens+usage.OutputTokens) / float64(modelInfo.ContextWindow)
	d.notifier.Send(ContextUpdateEvent{Percentage: usedPct * 100, ModelID: d.model})

	if usedPct > autoCompactThreshold {
		d.notifier.Send(ContextAutoCompactEvent{Percentage: usedPct * 100, ModelID: d.model})
		if err := d.compact(ctx, srv, compactionKeepRecent, "automatic"); err != nil {
			d.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		}
		return
	}
	if usedPct > warnThreshold {
		d.mu.Lock()
		shouldWarn := !d.warned50
		if shouldWarn {
			d.warned50 = true
		}
		d.mu.Unlock()
		if shouldWarn {
			d.notifier.Send(ContextWarningEvent{Percentage: usedPct * 100, Threshold: warnThreshold * 100, ModelID: d.model})
		}
	}
}

// compact replaces every message but the last keepRecent (and any preserved
// name/summary system messages) with a single fresh summary message,
// carrying forward the prior canonical summary if one exists.
func (d *Driver) compact(ctx context.Context, srv *convo.Server, keepRecent int, mode string) error {
	msgs := srv.GetMessages()
	if len(msgs) <= keepRecent {
		return fmt.Errorf("conversation too short to compact (%d messages, keeping %d)", len(msgs), keepRecent)
	}

	d.notifier.Send(CompactionStartEvent{Mode: mode})
	d.notifier.Send(CompactionProgressEvent{Stage: "generating_summary"})

	var nameMsg *convo.Message
	var priorSummary string
	var rest []convo.Message
	for i := range msgs {
		m := msgs[i]
		switch {
		case m.Kind == convo.KindSystem && strings.HasPrefix(m.Content, "Your name is "):
			nm := m
			nameMsg = &nm
		case m.Kind == convo.KindSystem && strings.HasPrefix(m.Content, "Summary of conversation and research thus far"):
			priorSummary = m.Content
		default:
			rest = append(rest, m)
		}
	}

	if len(rest) <= keepRecent {
		return fmt.Errorf("conversation too short to compact after excluding preserved messages")
	}
	toSummarize := rest[:len(rest)-keepRecent]
	recent := rest[len(rest)-keepRecent:]

	oldTokens := d.estimateTokenCount(msgs)

	summary, err := d.summarize(ctx, toSummarize, priorSummary)
	if err != nil {
		d.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		return fmt.Errorf("generating summary: %w", err)
	}

	newMsgs := make([]convo.Message, 0, len(recent)+2)
	if nameMsg != nil {
		newMsgs = append(newMsgs, *nameMsg)
	}
	newMsgs = append(newMsgs, convo.System(summary))
	newMsgs = append(newMsgs, recent...)

	newTokens := d.estimateTokenCount(newMsgs)
	if newTokens >= oldTokens {
		err := fmt.Errorf("summary would increase token count (%d -> %d)", oldTokens, newTokens)
		d.notifier.Send(CompactionFailedEvent{Error: err.Error()})
		return err
	}

	srv.ReplaceMsgs(newMsgs)
	d.mu.Lock()
	d.warned50 = false
	d.mu.Unlock()

	d.notifier.Send(CompactionCompleteEvent{OldTokens: oldTokens, NewTokens: newTokens})
	return nil
}

func (d *Driver) summarize(ctx context.Context, msgs []convo.Message, priorSummary string) (string, error) {
	var text strings.Builder
	for _, m := range msgs {
		role := "User"
		if m.Kind == convo.KindAssistantText || m.Kind == convo.KindAssistantToolReq {
			role = "Assistant"
		}
		text.WriteString(fmt.Sprintf("\n## %s\n%s\n", role, m.Content))
		for _, tc := range m.ToolCalls {
			text.WriteString(fmt.Sprintf("\n[Tool: %s]\nInput: %s\n", tc.Name, tc.Arguments))
		}
	}

	prompt := fmt.Sprintf(compactionPromptTemplate, priorSummary, text.String())
	return d.simpleCall(ctx, "You are a technical summarizer for a coding assistant.", prompt)
}

// tersify replaces every non-system message's content with a shorter
// paraphrase, one secondary LLM call per message, run concurrently.
func (d *Driver) tersify(ctx context.Context, srv *convo.Server) error {
	msgs := srv.GetMessages()
	paraphrased := make([]string, len(msgs))
	errs := make([]error, len(msgs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, defaultAsyncWorkers)
	for i := range msgs {
		if msgs[i].Kind == convo.KindSystem || strings.TrimSpace(msgs[i].Content) == "" {
			continue
		}
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			out, err := d.simpleCall(ctx, "", fmt.Sprintf(tersifyPromptTemplate, msgs[i].Content))
			paraphrased[i] = out
			errs[i] = err
		}()
	}
	wg.Wait()

	for i := range msgs {
		if errs[i] != nil {
			return fmt.Errorf("tersifying message %d: %w", i, errs[i])
		}
		if paraphrased[i] != "" {
			msgs[i].Content = paraphrased[i]
		}
	}
	srv.ReplaceMsgs(msgs)
	return nil
}

// simpleCall issues one non-streamed-in-effect secondary model call (drained
// fully here) and returns its accumulated text.
func (d *Driver) simpleCall(ctx context.Context, system, prompt string) (string, error) {
	req := provider.Request{
		Model:    d.model,
		System:   system,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: prompt}},
	}
	if modelInfo, err := d.getModelInfo(ctx); err == nil && modelInfo != nil {
		req.ReasoningEffort = modelInfo.Reasoning
	}
	iter, err := d.provider.Send(ctx, req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer iter.Close()

	var out strings.Builder
	for {
		chunk, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stream error: %w", err)
		}
		if chunk.Event == provider.EventTextDelta {
			out.WriteString(chunk.Text)
		}
	}
	return out.String(), nil
}

// estimateTokenCount is the character-heuristic fallback used for the
// compaction reduction check, consistent with tokenizer.Estimator.
func (d *Driver) estimateTokenCount(msgs []convo.Message) int {
	total := 0
	for _, m := range msgs {
		total += d.tok.EstimateTokens(m.Content)
		for _, tc := range m.ToolCalls {
			total += d.tok.EstimateTokens(tc.Name) + d.tok.EstimateTokens(tc.Arguments)
		}
	}
	return total
}

// stripRegionalPrefix removes a Bedrock regional prefix (e.g. "us.", "eu.", "ap.")
// from a model ID, returning the base model ID.
func stripRegionalPrefix(modelID string) string {
	prefixes := []string{"us.", "eu.", "ap."}
	for _, p := range prefixes {
		if after, found := strings.CutPrefix(modelID, p); found {
			return after
		}
	}
	return modelID
}

// getModelInfo retrieves model info for pricing, caching the result after the
// first successful lookup to avoid repeated ListModels API calls.
func (d *Driver) getModelInfo(ctx context.Context) (*provider.ModelInfo, error) {
	var fetchErr error
	d.modelInfoOnce.Do(func() {
		models, err := d.provider.ListModels(ctx)
		if err != nil {
			fetchErr = err
			return
		}
		baseModel := stripRegionalPrefix(d.model)
		for _, m := range models {
			if m.ID == d.model || m.ID == baseModel {
				info := m
				d.cachedModelInfo = &info
				return
			}
		}
	})
	if fetchErr != nil {
		d.modelInfoOnce = sync.Once{}
		return nil, fetchErr
	}
	return d.cachedModelInfo, nil
}

// decisionFromError converts tool execution error status to audit decision.
func decisionFromError(isError bool) string {
	if isError {
		return "denied"
	}
	return "allowed"
}

// errorStringFor extracts the error message from a tool outcome, if any.
func errorStringFor(o toolOutcome) string {
	if o.isError {
		return o.content
	}
	return ""
}
