package runtime

import (
	"context"
)

// ResultKind discriminates the ToolResult variants a Tool call can produce.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultErr
	ResultErrUnknownTool
	ResultErrMissingArgument
	ResultErrInvalidArgument
	ResultErrExit
)

// ToolResult is the outcome of one perform() call.
type ToolResult struct {
	Kind    ResultKind
	Text    string // ResultOK
	Message string // ResultErr, ResultErrExit
	Key     string // ResultErrMissingArgument, ResultErrInvalidArgument
	Name    string // ResultErrUnknownTool
	Code    int    // ResultErrExit
}

func ok(text string) ToolResult              { return ToolResult{Kind: ResultOK, Text: text} }
func errUnknownTool(name string) ToolResult  { return ToolResult{Kind: ResultErrUnknownTool, Name: name} }
func errMissingArg(key string) ToolResult    { return ToolResult{Kind: ResultErrMissingArgument, Key: key} }
func errInvalidArg(key string) ToolResult    { return ToolResult{Kind: ResultErrInvalidArgument, Key: key} }

// Tool is the external tool implementation contract: a name, an opaque JSON
// schema describing it to the model, and a pure call over validated
// arguments. OnRequest/OnResult are optional hooks a tool may use to emit a
// note for the notes coordinator; either may be nil.
type Tool struct {
	Name     string
	Spec     map[string]any // JSON schema; "required" lists mandatory arg names
	Async    bool
	ReadArgs func(raw map[string]any) (map[string]any, *ToolResult)
	Call     func(ctx context.Context, args map[string]any) (string, error)
	OnRequest func(args map[string]any) (note string, ok bool)
	OnResult  func(args map[string]any, result string) (note string, ok bool)
}

// Registry dispatches tool calls by name. It is the Go-native counterpart to
// the manifest-declared tools loaded into engine/runtime.V8Executor — both
// can be registered here (see jsexec.go), so the driver has one lookup
// surface regardless of how a tool is implemented.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Lookup returns the tool registered under name, if any.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// IsAsync reports whether name is registered and declared async. Unknown
// tools are treated as non-async (they fail in Perform regardless).
func (r *Registry) IsAsync(name string) bool {
	t, ok := r.tools[name]
	return ok && t.Async
}

// Perform runs the four-step dispatch pipeline: resolve, read_args,
// required-argument validation, call. Any failure short-circuits with the
// corresponding ToolResult; Call's return is forwarded verbatim.
func (r *Registry) Perform(ctx context.Context, name string, rawArgs map[string]any) ToolResult {
	t, found := r.tools[name]
	if !found {
		return errUnknownTool(name)
	}

	args := rawArgs
	if t.ReadArgs != nil {
		normalized, fail := t.ReadArgs(rawArgs)
		if fail != nil {
			return *fail
		}
		args = normalized
	}

	for _, key := range requiredKeys(t.Spec) {
		v, present := args[key]
		if !present || v == nil || isEmptyString(v) {
			return errMissingArg(key)
		}
	}

	text, err := t.Call(ctx, args)
	if err != nil {
		return ToolResult{Kind: ResultErr, Message: err.Error()}
	}
	return ok(text)
}

func isEmptyString(v any) bool {
	s, isStr := v.(string)
	return isStr && s == ""
}

// requiredKeys extracts spec["required"] as a string slice, tolerating a
// missing or malformed field (no required keys, then).
func requiredKeys(spec map[string]any) []string {
	raw, ok := spec["required"]
	if !ok {
		return nil
	}
	if names, ok := raw.([]string); ok {
		return names
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys
}

// InvalidArgument is a convenience constructor ReadArgs implementations can
// return to signal a malformed (as opposed to missing) argument.
func InvalidArgument(key string) *ToolResult {
	r := errInvalidArg(key)
	return &r
}
