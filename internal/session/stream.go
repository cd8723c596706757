// internal/session/stream.go
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/finclaw/internal/agent"
	"github.com/user/finclaw/internal/extract"
	"github.com/user/finclaw/internal/types"
)

// fallbackContent is synthesized when a successful collaborator call ends
// without a single recognizable message; the caller must never get an empty
// batch from a turn that ran.
const fallbackContent = "The analysis agent responded, but the response could not be parsed into messages."

// draft is a normalized message that has not been persisted yet. Splitting
// normalization from persistence keeps the mapping rules testable with no
// storage attached.
type draft struct {
	Type    string
	Content string
	Meta    *types.MessageMetadata
}

// turnState accumulates per-turn facts the mapping rules depend on: which
// assistant texts were already emitted (final-result de-duplication) and
// whether the terminal event arrived.
type turnState struct {
	emitted map[string]bool
	done    bool
}

func newTurnState() *turnState {
	return &turnState{emitted: make(map[string]bool)}
}

// shellInput is the recognized input shape of the shell/code-execution tool.
type shellInput struct {
	Command string `json:"command"`
}

// normalizeEvent maps one agent event to zero or more message drafts, in the
// order they must be persisted. Pure with respect to storage.
func normalizeEvent(ev agent.Event, reg *extract.Registry, ts *turnState) []draft {
	switch ev.Type {
	case agent.EventAssistant:
		var out []draft
		for _, block := range ev.Blocks {
			switch block.Kind {
			case agent.BlockText:
				out = append(out, assistantText(block.Text, reg, ts)...)
			case agent.BlockToolUse:
				out = append(out, toolUse(block)...)
			}
		}
		return out

	case agent.EventToolResult:
		success := !ev.IsError
		meta := &types.MessageMetadata{Success: &success}
		content := "Tool execution completed"
		if ev.IsError {
			content = "Tool execution failed"
		}
		if ev.DurationMS > 0 {
			secs := float64(ev.DurationMS) / 1000
			meta.ExecutionTime = &secs
		}
		return []draft{{Type: types.MessageTypeResult, Content: content, Meta: meta}}

	case agent.EventResult:
		ts.done = true
		if ev.IsError {
			return []draft{{Type: types.MessageTypeError, Content: ev.Text}}
		}
		// Append the terminal text only when no identical assistant text was
		// already emitted during this turn.
		if ev.Text == "" || ts.emitted[ev.Text] {
			return nil
		}
		return assistantText(ev.Text, reg, ts)

	case agent.EventSystem:
		slog.Debug("agent system event", "subtype", ev.Subtype)
		return nil

	case agent.EventError:
		return []draft{{Type: types.MessageTypeError, Content: "Agent stream failed: " + ev.Err}}

	default:
		slog.Debug("ignoring unknown agent event", "type", string(ev.Type))
		return nil
	}
}

// assistantText produces the text message plus any extraction-triggered
// messages recovered from it.
func assistantText(text string, reg *extract.Registry, ts *turnState) []draft {
	ts.emitted[text] = true
	out := []draft{{Type: types.MessageTypeAssistantText, Content: text}}
	for _, res := range reg.Extract(text) {
		value := res.Value
		meta := &types.MessageMetadata{ValuationValue: &value, MethodType: res.MethodType}
		msgType := types.MessageTypeMethodValuation
		if res.MethodType == "" {
			msgType = types.MessageTypeValuation
		}
		out = append(out, draft{Type: msgType, Content: extract.SavePrompt, Meta: meta})
	}
	return out
}

// toolUse emits the tool-call announcement, the code block for the shell
// tool, and the executing marker, in that order.
func toolUse(block agent.ContentBlock) []draft {
	out := []draft{{
		Type:    types.MessageTypeToolCallStart,
		Content: block.Tool,
		Meta:    &types.MessageMetadata{Tool: block.Tool},
	}}

	if strings.EqualFold(block.Tool, "bash") && len(block.Input) > 0 {
		var input shellInput
		if err := json.Unmarshal(block.Input, &input); err == nil && input.Command != "" {
			lang := "shell"
			if strings.Contains(input.Command, "python") {
				lang = "python"
			}
			out = append(out, draft{
				Type:    types.MessageTypeCodeBlock,
				Content: input.Command,
				Meta:    &types.MessageMetadata{Language: lang},
			})
		}
	}

	out = append(out, draft{
		Type:    types.MessageTypeExecuting,
		Content: fmt.Sprintf("Executing %s...", block.Tool),
		Meta:    &types.MessageMetadata{Tool: block.Tool},
	})
	return out
}

// drainStream consumes the agent's event sequence to completion, persisting
// every normalized message immediately in arrival order. Persistence failures
// are logged and swallowed; losing a telemetry entry must not abort the turn.
func (m *Manager) drainStream(ctx context.Context, threadID types.ThreadID, events <-chan agent.Event) *types.TurnResult {
	ts := newTurnState()
	result := &types.TurnResult{Messages: []*types.Message{}}

	for ev := range events {
		for _, d := range normalizeEvent(ev, m.registry, ts) {
			result.Messages = append(result.Messages, m.persist(ctx, threadID, d))
		}
	}

	if len(result.Messages) == 0 {
		result.Messages = append(result.Messages,
			m.persist(ctx, threadID, draft{Type: types.MessageTypeAssistantText, Content: fallbackContent}))
	}

	result.Done = ts.done
	return result
}

// persist writes one draft to the message log. On failure the message is
// still returned to the caller (unsequenced) so the turn's content survives a
// storage hiccup.
func (m *Manager) persist(ctx context.Context, threadID types.ThreadID, d draft) *types.Message {
	msg, err := m.store.CreateMessage(ctx, threadID, d.Type, d.Content, d.Meta)
	if err != nil {
		slog.Warn("message persist failed", "thread_id", string(threadID), "type", d.Type, "error", err)
		return &types.Message{
			ID:        types.NewMessageID(),
			ThreadID:  threadID,
			Type:      d.Type,
			Content:   d.Content,
			Metadata:  d.Meta,
			CreatedAt: time.Now().UTC(),
		}
	}
	return msg
}
