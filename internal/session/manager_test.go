// internal/session/manager_test.go
package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/user/finclaw/internal/agent"
	"github.com/user/finclaw/internal/extract"
	"github.com/user/finclaw/internal/store"
	"github.com/user/finclaw/internal/types"
)

// fakeClient replays scripted event sequences, one per Query call, and
// records every request it receives.
type fakeClient struct {
	mu      sync.Mutex
	scripts [][]agent.Event
	calls   []agent.Request
	err     error
}

func (f *fakeClient) Query(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, req)

	var events []agent.Event
	if len(f.scripts) > 0 {
		events = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	ch := make(chan agent.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeClient) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1].Prompt
}

func textTurn(texts ...string) []agent.Event {
	var events []agent.Event
	for _, text := range texts {
		events = append(events, agent.Event{
			Type:   agent.EventAssistant,
			Blocks: []agent.ContentBlock{{Kind: agent.BlockText, Text: text}},
		})
	}
	events = append(events, agent.Event{Type: agent.EventResult, Text: texts[len(texts)-1]})
	return events
}

func newTestManager(t *testing.T, client agent.Client) (*Manager, *store.SQLite) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "finclaw.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	m, err := NewManager(db, client, extract.NewRegistry(), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	return m, db
}

func testSnapshot() *types.ProjectSnapshot {
	return &types.ProjectSnapshot{Name: "Acme Corp", Industry: "Manufacturing"}
}

func TestStartConversation(t *testing.T) {
	client := &fakeClient{scripts: [][]agent.Event{textTurn("Hello, let's value Acme Corp.")}}
	m, db := newTestManager(t, client)
	ctx := context.Background()

	result, err := m.StartConversation(ctx, "project-1", testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Done {
		t.Error("expected done=true")
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result.Messages))
	}
	if result.Messages[0].Type != types.MessageTypeAssistantText {
		t.Errorf("expected assistant_text, got %s", result.Messages[0].Type)
	}

	thread, err := db.ActiveThreadByProject(ctx, "project-1")
	if err != nil {
		t.Fatal(err)
	}
	if thread.Title != "Valuation: Acme Corp" {
		t.Errorf("unexpected thread title: %s", thread.Title)
	}
}

func TestStartConversation_Idempotent(t *testing.T) {
	client := &fakeClient{scripts: [][]agent.Event{textTurn("Opening.")}}
	m, _ := newTestManager(t, client)
	ctx := context.Background()

	if _, err := m.StartConversation(ctx, "project-1", testSnapshot()); err != nil {
		t.Fatal(err)
	}

	result, err := m.StartConversation(ctx, "project-1", testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 0 {
		t.Errorf("expected empty batch on repeated start, got %d messages", len(result.Messages))
	}
	if !result.Done {
		t.Error("expected done=true on repeated start")
	}

	client.mu.Lock()
	calls := len(client.calls)
	client.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected exactly one agent call, got %d", calls)
	}
}

func TestSendMessage(t *testing.T) {
	client := &fakeClient{scripts: [][]agent.Event{
		textTurn("Opening."),
		textTurn("Using a 10% discount rate."),
	}}
	m, db := newTestManager(t, client)
	ctx := context.Background()

	if _, err := m.StartConversation(ctx, "project-1", testSnapshot()); err != nil {
		t.Fatal(err)
	}
	result, err := m.SendMessage(ctx, "project-1", "what discount rate?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result.Messages))
	}

	// The user message is persisted before the reply.
	thread, err := db.ActiveThreadByProject(ctx, "project-1")
	if err != nil {
		t.Fatal(err)
	}
	messages, err := db.MessagesByThread(ctx, thread.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected opening + user + reply = 3 messages, got %d", len(messages))
	}
	if messages[1].Type != types.MessageTypeUser || messages[1].Content != "what discount rate?" {
		t.Errorf("unexpected persisted user message: %+v", messages[1])
	}

	// The turn prompt replays the history before the new text.
	prompt := client.lastPrompt()
	if !strings.Contains(prompt, "Assistant: Opening.") {
		t.Errorf("expected history in prompt, got %q", prompt)
	}
	if !strings.HasSuffix(prompt, "User: what discount rate?") {
		t.Errorf("expected new text last in prompt, got %q", prompt)
	}
}

func TestSendMessage_SnapshotRequired(t *testing.T) {
	client := &fakeClient{}
	m, _ := newTestManager(t, client)

	_, err := m.SendMessage(context.Background(), "project-1", "hello", nil)
	if !errors.Is(err, ErrSnapshotRequired) {
		t.Fatalf("expected ErrSnapshotRequired, got %v", err)
	}
}

func TestStartConversation_RestoresFromLog(t *testing.T) {
	client := &fakeClient{scripts: [][]agent.Event{
		textTurn("Opening."),
		textTurn("Reply one."),
	}}
	m, db := newTestManager(t, client)
	ctx := context.Background()

	if _, err := m.StartConversation(ctx, "project-1", testSnapshot()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SendMessage(ctx, "project-1", "first question", nil); err != nil {
		t.Fatal(err)
	}

	// A fresh manager over the same store stands in for a process restart.
	client2 := &fakeClient{scripts: [][]agent.Event{textTurn("Reply two.")}}
	m2, err := NewManager(db, client2, extract.NewRegistry(), nil, Options{})
	if err != nil {
		t.Fatal(err)
	}

	result, err := m2.StartConversation(ctx, "project-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 0 || !result.Done {
		t.Errorf("expected empty done batch on restore, got %+v", result)
	}

	if _, err := m2.SendMessage(ctx, "project-1", "second question", nil); err != nil {
		t.Fatal(err)
	}
	prompt := client2.lastPrompt()
	for _, want := range []string{"Assistant: Opening.", "User: first question", "Assistant: Reply one."} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected restored history to contain %q, prompt: %q", want, prompt)
		}
	}
}

func TestStartConversation_ArchiveStartsFresh(t *testing.T) {
	client := &fakeClient{scripts: [][]agent.Event{
		textTurn("Opening."),
		textTurn("Opening again."),
	}}
	m, db := newTestManager(t, client)
	ctx := context.Background()

	if _, err := m.StartConversation(ctx, "project-1", testSnapshot()); err != nil {
		t.Fatal(err)
	}
	first, err := db.ActiveThreadByProject(ctx, "project-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.ArchiveThread(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	m.ClearConversation("project-1")

	result, err := m.StartConversation(ctx, "project-1", testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected a fresh opening turn, got %d messages", len(result.Messages))
	}

	second, err := db.ActiveThreadByProject(ctx, "project-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Error("expected a new thread after archive")
	}
}

func TestSendMessage_QueryFailureBecomesErrorMessage(t *testing.T) {
	client := &fakeClient{err: errors.New("agent exploded")}
	m, _ := newTestManager(t, client)

	result, err := m.SendMessage(context.Background(), "project-1", "hello", testSnapshot())
	if err != nil {
		t.Fatalf("per-turn failures must not surface as errors, got %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected 1 error message, got %d", len(result.Messages))
	}
	if result.Messages[0].Type != types.MessageTypeError {
		t.Errorf("expected error message, got %s", result.Messages[0].Type)
	}
	if result.Done {
		t.Error("a failed turn is not done")
	}
}

func TestSendMessage_EmptyStreamFallback(t *testing.T) {
	client := &fakeClient{scripts: [][]agent.Event{{}}}
	m, _ := newTestManager(t, client)

	result, err := m.SendMessage(context.Background(), "project-1", "hello", testSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected fallback message, got %d messages", len(result.Messages))
	}
	if result.Messages[0].Content != fallbackContent {
		t.Errorf("unexpected fallback content: %q", result.Messages[0].Content)
	}
	if result.Done {
		t.Error("expected done=false without a result event")
	}
}

func TestSendMessage_SystemPromptCarriesProject(t *testing.T) {
	client := &fakeClient{scripts: [][]agent.Event{textTurn("ok")}}
	m, _ := newTestManager(t, client)

	if _, err := m.SendMessage(context.Background(), "project-1", "hello", testSnapshot()); err != nil {
		t.Fatal(err)
	}

	client.mu.Lock()
	req := client.calls[0]
	client.mu.Unlock()
	if !strings.Contains(req.SystemPrompt, "Acme Corp") {
		t.Errorf("expected company name in system prompt, got %q", req.SystemPrompt)
	}
	if !strings.Contains(req.SystemPrompt, "DCF_VALUE: $<amount>") {
		t.Errorf("expected marker instructions in system prompt")
	}
}

func TestClearConversation(t *testing.T) {
	client := &fakeClient{scripts: [][]agent.Event{textTurn("Opening.")}}
	m, db := newTestManager(t, client)
	ctx := context.Background()

	if _, err := m.StartConversation(ctx, "project-1", testSnapshot()); err != nil {
		t.Fatal(err)
	}
	m.ClearConversation("project-1")

	// Persisted state is untouched; the thread is still active.
	if _, err := db.ActiveThreadByProject(ctx, "project-1"); err != nil {
		t.Fatalf("expected active thread to survive clear, got %v", err)
	}
}
