// internal/agent/events.go
package agent

import "encoding/json"

// EventType discriminates the events produced by the reasoning agent.
type EventType string

const (
	// EventAssistant carries assistant content blocks (text or tool use).
	EventAssistant EventType = "assistant"
	// EventToolResult reports the outcome of a tool execution.
	EventToolResult EventType = "tool_result"
	// EventResult is the terminal event of a turn.
	EventResult EventType = "result"
	// EventSystem carries init/diagnostic chatter; never persisted.
	EventSystem EventType = "system"
	// EventError is synthesized locally when the stream itself fails.
	EventError EventType = "error"
)

// Block kinds inside an assistant event.
const (
	BlockText    = "text"
	BlockToolUse = "tool_use"
)

// ContentBlock is one piece of an assistant event.
type ContentBlock struct {
	Kind  string
	Text  string
	Tool  string
	Input json.RawMessage
}

// Event is one element of the agent's asynchronous event sequence.
type Event struct {
	Type       EventType
	Blocks     []ContentBlock // EventAssistant
	Text       string         // EventResult
	IsError    bool           // EventToolResult, EventResult
	DurationMS int64          // EventToolResult, when reported
	Subtype    string         // EventSystem
	Err        string         // EventError
}

// Request describes one turn sent to the agent.
type Request struct {
	Prompt         string
	SystemPrompt   string
	AllowedTools   []string
	PermissionMode string
}
