package ui

import "time"

// ChatTokenMsg carries a single token delta from LLM streaming
type ChatTokenMsg struct {
	Text string
}

// ChatCompletionMsg signals the assistant message is complete
type ChatCompletionMsg struct{}

// ChatErrorMsg reports an error during LLM interaction
type ChatErrorMsg struct {
	Error string
}

// ChatToolUseMsg signals the LLM is invoking a tool.
type ChatToolUseMsg struct {
	ToolCallID string
	ToolName   string
	Input      string // JSON string of input args
}

// ChatToolResultMsg carries the result of a tool execution.
type ChatToolResultMsg struct {
	ToolCallID string
	ToolName   string
	Result     string
	IsError    bool
}

// ToolExecutionMsg carries full tool execution data for the Agents page.
type ToolExecutionMsg struct {
	ToolCallID string
	ToolName   string
	Input      string // Full JSON input
	Output     string // Full result text
	IsError    bool
}

// ChatContextWarningMsg warns about context usage reaching 50%.
type ChatContextWarningMsg struct {
	Percentage float64
	Threshold  float64
	ModelID    string
}

// ChatContextAutoCompactMsg signals automatic compaction at 80%.
type ChatContextAutoCompactMsg struct {
	Percentage float64
	ModelID    string
}

// ChatCompactionStartMsg signals that compaction has begun.
type ChatCompactionStartMsg struct {
	Mode string // "manual" or "automatic"
}

// ChatCompactionProgressMsg provides mid-flight update during compaction.
type ChatCompactionProgressMsg struct {
	Stage string
}

// ChatCompactionCompleteMsg signals successful compaction with metrics.
type ChatCompactionCompleteMsg struct {
	OldTokens int
	NewTokens int
}

// ChatCompactionFailedMsg signals compaction failure.
type ChatCompactionFailedMsg struct {
	Error string
}

// ChatPermissionRequestMsg requests user permission for a tool action.
// The adapter wraps the core channel into RespondFunc so that ui never
// imports core. App uses this message only to route y/n keys to the active
// page; ChatModel has no case for it, so no prompt is displayed and nothing
// in the ui package calls RespondFunc.
type ChatPermissionRequestMsg struct {
	ToolCallID   string
	ToolName     string
	AgentName    string
	Permission   string
	Description  string
	Timeout      time.Duration
	DefaultAllow bool
	RespondFunc  func(allowed, remember bool) // Adapter-provided callback to send decision to core
}

// ChatPermissionTimeoutMsg signals that a permission request timed out in core.
// The UI should mark the request as resolved.
type ChatPermissionTimeoutMsg struct {
	ToolCallID string
	Allowed    bool // Whether the default was to allow
}

// PermissionDecisionMsg is an internal UI message, not sent from core. App
// clears its pending-permission state when it sees one; no code in the ui
// package sends it.
type PermissionDecisionMsg struct {
	ToolCallID string
	Allowed    bool
	Remember   bool
}

// ChatSystemMsg is an informational system message for the chat page
// (e.g. responses to /clear, /context, /model commands). ChatModel has no
// case for it, so the text is not displayed.
type ChatSystemMsg struct{ Text string }

// ChatClearMsg is sent when the conversation is cleared. ChatModel has no
// case for it, so the chat page's messages are neither flushed nor reset.
type ChatClearMsg struct{}
