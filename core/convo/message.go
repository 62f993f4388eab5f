// Package convo owns conversation state: the tagged Message model, the
// on-disk conversation store, and the per-conversation server actor. It is
// the record-of-truth the completion driver reads from and writes back to.
package convo

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the five message variants a conversation can contain.
type Kind string

const (
	KindSystem           Kind = "system"
	KindUser             Kind = "user"
	KindAssistantText    Kind = "assistant_text"
	KindAssistantToolReq Kind = "assistant_tool_request"
	KindToolResponse     Kind = "tool_response"
)

// ToolCall is a model-emitted request to invoke a named tool, with
// JSON-encoded arguments.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded object
}

// Message is the tagged record of one conversation turn. Only the fields
// relevant to Kind are populated; others are zero.
type Message struct {
	Kind       Kind       `json:"-"`
	Content    string     `json:"content,omitempty"`     // System, User, AssistantText
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // AssistantToolReq
	ToolCallID string     `json:"tool_call_id,omitempty"` // ToolResponse
	Name       string     `json:"name,omitempty"`         // ToolResponse: tool name

	// extra is a slot for unknown wire fields. No decode path fills it and
	// no encode path writes it, so unknown fields are dropped on a round-trip.
	extra map[string]json.RawMessage
}

// System builds a System message.
func System(content string) Message { return Message{Kind: KindSystem, Content: content} }

// User builds a User message.
func User(content string) Message { return Message{Kind: KindUser, Content: content} }

// AssistantText builds an Assistant-text message.
func AssistantText(content string) Message { return Message{Kind: KindAssistantText, Content: content} }

// AssistantToolRequest builds an Assistant-tool-request message.
func AssistantToolRequest(calls []ToolCall) Message {
	return Message{Kind: KindAssistantToolReq, ToolCalls: calls}
}

// ToolResponse builds a Tool-response message.
func ToolResponse(toolCallID, name, content string) Message {
	return Message{Kind: KindToolResponse, ToolCallID: toolCallID, Name: name, Content: content}
}

// wireMessage is the JSON envelope. role + presence of tool_calls/content
// determines Kind on decode.
type wireMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

func (m Message) roleString() string {
	switch m.Kind {
	case KindSystem:
		return "system"
	case KindUser:
		return "user"
	case KindAssistantText, KindAssistantToolReq:
		return "assistant"
	case KindToolResponse:
		return "tool"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes Message into the wire envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role:       m.roleString(),
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	}
	if m.Kind != KindAssistantToolReq {
		content := m.Content
		w.Content = &content
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire envelope back into a tagged Message,
// switching on role + presence of tool_calls/content.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("convo: decode message: %w", err)
	}

	switch w.Role {
	case "system":
		m.Kind = KindSystem
	case "user":
		if w.ToolCallID != "" {
			m.Kind = KindToolResponse
		} else {
			m.Kind = KindUser
		}
	case "assistant":
		if len(w.ToolCalls) > 0 {
			m.Kind = KindAssistantToolReq
		} else {
			m.Kind = KindAssistantText
		}
	case "tool":
		m.Kind = KindToolResponse
	default:
		return fmt.Errorf("convo: unknown message role %q", w.Role)
	}

	if w.Content != nil {
		m.Content = *w.Content
	}
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID
	m.Name = w.Name
	return nil
}

// ValidatePairing checks that every Tool-response has a preceding, still-open
// Assistant-tool-request with the same tool_call_id, and that no other
// Tool-response for that id appears between them.
func ValidatePairing(msgs []Message) error {
	open := make(map[string]bool)
	for i, msg := range msgs {
		switch msg.Kind {
		case KindAssistantToolReq:
			for _, tc := range msg.ToolCalls {
				open[tc.ID] = true
			}
		case KindToolResponse:
			if !open[msg.ToolCallID] {
				return fmt.Errorf("convo: tool-response at index %d (id=%s) has no open tool-request", i, msg.ToolCallID)
			}
			delete(open, msg.ToolCallID)
		}
	}
	return nil
}

// CanonicalizeArgs parses args as JSON and re-serializes it so that two
// argument sets differing only in key order compare equal. encoding/json
// already emits map keys in sorted order, so a parse-then-remarshal round
// trip is sufficient. If args does not parse as JSON, it is returned
// unchanged.
func CanonicalizeArgs(args string) string {
	var v any
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return args
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return args
	}
	return string(canon)
}

// Fingerprint returns the dedup key for a tool call: name plus its
// canonicalized arguments.
func Fingerprint(name, arguments string) string {
	return name + "\x00" + CanonicalizeArgs(arguments)
}
