// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Message type tags. The set is closed: the stream normalizer and the
// session manager are the only writers, and the UI switches on these values.
const (
	MessageTypeUser          = "user"
	MessageTypeAssistantText = "assistant_text"
	MessageTypeToolCallStart = "tool_call_start"
	MessageTypeCodeBlock     = "code_block"
	MessageTypeExecuting     = "executing"
	MessageTypeResult        = "result"
	MessageTypeError         = "error"

	// Extraction-triggered types.
	MessageTypeMethodValuation = "method_valuation_result"
	MessageTypeValuation       = "valuation_result"
)

// Thread status values.
const (
	ThreadStatusActive   = "active"
	ThreadStatusArchived = "archived"
)

// Thread is one persisted conversation scoped to a project. The
// most-recently-active thread with status "active" is the resumable one.
type Thread struct {
	ID           ThreadID  `json:"id"`
	ProjectID    ProjectID `json:"project_id"`
	Title        string    `json:"title,omitempty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Message is one logged event belonging to exactly one thread. Seq is a
// strictly increasing integer unique within the thread, assigned at append
// time; it is the ordering backbone for the UI and for restoration.
// Messages are immutable once written.
type Message struct {
	ID        MessageID        `json:"id"`
	ThreadID  ThreadID         `json:"thread_id"`
	Seq       int64            `json:"seq"`
	Type      string           `json:"type"`
	Content   string           `json:"content"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// MessageMetadata carries the optional structured fields for tool and
// extraction messages. Pointer fields distinguish "absent" from zero.
type MessageMetadata struct {
	Tool           string   `json:"tool,omitempty"`
	Language       string   `json:"language,omitempty"`
	ExecutionTime  *float64 `json:"executionTime,omitempty"` // seconds
	Success        *bool    `json:"success,omitempty"`
	ValuationValue *float64 `json:"valuationValue,omitempty"`
	MethodType     string   `json:"methodType,omitempty"`
}

// ProjectSnapshot is the caller-provided view of a project used to seed the
// opening prompt. The core does not own project persistence.
type ProjectSnapshot struct {
	Name       string          `json:"name"`
	Industry   string          `json:"industry,omitempty"`
	SourceURL  string          `json:"source_url,omitempty"`
	Financials json.RawMessage `json:"financials,omitempty"`
}

// Method is a valuation technique with a weight fraction and an optional
// last-computed value. Owned by the caller; the calculator only reads these.
type Method struct {
	Type   string   `json:"type"`
	Weight float64  `json:"weight"`
	Value  *float64 `json:"value,omitempty"`
}

// TurnResult is the batch produced by one conversation turn. Done reports
// whether the collaborator reached its terminal result event.
type TurnResult struct {
	Messages []*Message `json:"messages"`
	Done     bool       `json:"done"`
}
