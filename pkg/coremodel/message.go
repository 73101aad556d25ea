// Package coremodel defines the wire and persistence types shared by the
// session-state store, agent pool, and run scheduler.
package coremodel

import (
	"encoding/json"
	"time"
)

// Role identifies a message's author in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleReasoning Role = "reasoning"
)

// ContentPartType identifies the kind of a content part.
type ContentPartType string

const (
	ContentPartText     ContentPartType = "text"
	ContentPartImageURL ContentPartType = "image_url"
	ContentPartOther    ContentPartType = "other"
)

// ContentPart is one piece of a message's content. Messages either carry a
// single text string or an ordered sequence of parts.
type ContentPart struct {
	Type ContentPartType `json:"type"`
	Text string          `json:"text,omitempty"`
	URL  string          `json:"url,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

// ToolCallFunction is the function-call payload of a ToolCall.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded string, not parsed by the core.
}

// ToolCall represents an assistant's request to execute a tool.
type ToolCall struct {
	ID       string           `json:"id"`
	Function ToolCallFunction `json:"function"`
}

// Message is the tagged-union message type stored in SessionState.
//
// Exactly one of Content/Parts is meaningful depending on whether the
// message carries plain text or a sequence of parts; ToolCalls is only
// populated on RoleAssistant messages, and ToolCallID/ToolName/IsError
// only on RoleTool messages.
type Message struct {
	Role Role `json:"role"`

	// Content is the plain-text rendering. When Parts is non-empty, Content
	// is derived (concatenation of text parts) and Parts is authoritative.
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`

	// Assistant-only.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool-only.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// RenderText returns the textual rendering of a message's content, used for
// e.g. session summaries. Image parts render as "[image]".
func (m Message) RenderText() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		switch p.Type {
		case ContentPartText:
			out += p.Text
		case ContentPartImageURL:
			out += "[image]"
		default:
			out += "[content]"
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	clone := m
	if m.Parts != nil {
		clone.Parts = append([]ContentPart(nil), m.Parts...)
	}
	if m.ToolCalls != nil {
		clone.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return clone
}

// SchemaVersion is the current SessionState schema version. Records with a
// different value are rejected or ignored by store implementations (§4.2).
const SchemaVersion = 1

// SessionState is the durable snapshot persisted by the session-state store.
type SessionState struct {
	SchemaVersion int            `json:"schema_version"`
	SessionID     string         `json:"session_id"`
	UpdatedAt     time.Time      `json:"updated_at"`
	RunID         string         `json:"run_id,omitempty"`
	InvokeSeq     int64          `json:"invoke_seq,omitempty"`
	Messages      []Message      `json:"messages"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Clone returns a deep copy of the session state.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		clone.Messages[i] = m.Clone()
	}
	if s.Meta != nil {
		clone.Meta = make(map[string]any, len(s.Meta))
		for k, v := range s.Meta {
			clone.Meta[k] = v
		}
	}
	return &clone
}

// Summary is the listing projection of a SessionState returned by Store.List.
type Summary struct {
	SessionID       string    `json:"session_id"`
	UpdatedAt       time.Time `json:"updated_at"`
	RunID           string    `json:"run_id,omitempty"`
	MessageCount    int       `json:"message_count"`
	LastUserMessage string    `json:"last_user_message,omitempty"`
}
