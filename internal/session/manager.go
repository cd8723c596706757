// internal/session/manager.go

// Package session owns per-project conversation state and drives one agent
// turn at a time against the durable message log. The in-memory state is a
// cache over the log: it can be dropped at any point and rebuilt from
// persisted messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/finclaw/internal/agent"
	"github.com/user/finclaw/internal/extract"
	"github.com/user/finclaw/internal/store"
	"github.com/user/finclaw/internal/types"
)

// ErrSnapshotRequired is returned by SendMessage when no in-memory state and
// no persisted thread exist and the caller supplied no project snapshot.
var ErrSnapshotRequired = errors.New("new conversation requires a project snapshot")

// Options configures a Manager.
type Options struct {
	AllowedTools   []string
	PermissionMode string
	MaxConcurrent  int64 // simultaneous collaborator calls across projects
	HistoryTokens  int   // token budget for replayed history
}

// Fetcher supplies optional markdown context for the opening prompt.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// conversationState is the process-lifetime cache for one project: the
// textual history, the thread it belongs to, and the last-known snapshot.
type conversationState struct {
	threadID types.ThreadID
	history  []Turn
	snapshot *types.ProjectSnapshot
}

// Manager resolves or restores conversations and runs turns. Turns are
// serialized per project via a lock map so two concurrent first calls cannot
// race on thread creation, and a weighted semaphore bounds collaborator
// concurrency across projects.
type Manager struct {
	store    types.Store
	client   agent.Client
	registry *extract.Registry
	budgeter *Budgeter
	research Fetcher
	opts     Options
	sem      *semaphore.Weighted

	mu     sync.Mutex
	states map[types.ProjectID]*conversationState
	locks  map[types.ProjectID]*sync.Mutex
}

// NewManager creates a Manager wired to the given store and agent client.
// research may be nil to disable opening-context fetch.
func NewManager(st types.Store, client agent.Client, registry *extract.Registry, research Fetcher, opts Options) (*Manager, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.HistoryTokens <= 0 {
		opts.HistoryTokens = 8000
	}
	budgeter, err := NewBudgeter(opts.HistoryTokens)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:    st,
		client:   client,
		registry: registry,
		budgeter: budgeter,
		research: research,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		states:   make(map[types.ProjectID]*conversationState),
		locks:    make(map[types.ProjectID]*sync.Mutex),
	}, nil
}

// projectLock returns the per-project mutex, creating one if needed.
func (m *Manager) projectLock(projectID types.ProjectID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[projectID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[projectID] = lock
	return lock
}

func (m *Manager) state(projectID types.ProjectID) *conversationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[projectID]
}

func (m *Manager) setState(projectID types.ProjectID, st *conversationState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[projectID] = st
}

// StartConversation begins or resumes a project's conversation.
//
// Live state: no-op, empty batch, done=true. Persisted active thread: rebuild
// history from the log, register state, empty batch, done=true (the UI
// already has the messages). Neither: create a thread and run the opening
// turn, returning whatever it produced.
func (m *Manager) StartConversation(ctx context.Context, projectID types.ProjectID, snapshot *types.ProjectSnapshot) (*types.TurnResult, error) {
	lock := m.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if m.state(projectID) != nil {
		return &types.TurnResult{Messages: []*types.Message{}, Done: true}, nil
	}

	st, err := m.restore(ctx, projectID, snapshot)
	if err == nil {
		m.setState(projectID, st)
		slog.Info("conversation restored", "project_id", string(projectID), "thread_id", string(st.threadID), "turns", len(st.history))
		return &types.TurnResult{Messages: []*types.Message{}, Done: true}, nil
	}
	if !errors.Is(err, store.ErrNoActiveThread) {
		return nil, err
	}

	title := "Valuation"
	if snapshot != nil && snapshot.Name != "" {
		title = "Valuation: " + snapshot.Name
	}
	thread, err := m.store.CreateThread(ctx, projectID, title)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	st = &conversationState{threadID: thread.ID, snapshot: snapshot}
	m.setState(projectID, st)
	slog.Info("conversation started", "project_id", string(projectID), "thread_id", string(thread.ID))

	researchMD := m.fetchResearch(ctx, snapshot)
	result := m.runTurn(ctx, st, openingPrompt(snapshot, researchMD))
	if text := flattenAssistantText(result); text != "" {
		st.history = append(st.history, Turn{Role: "Assistant", Text: text})
	}
	return result, nil
}

// SendMessage runs one user turn, restoring state first when needed. The
// user's text is persisted before the collaborator is invoked; losing
// recorded user intent would break resumability, so that write failure is
// surfaced distinctly in the log even though the turn continues.
func (m *Manager) SendMessage(ctx context.Context, projectID types.ProjectID, text string, snapshot *types.ProjectSnapshot) (*types.TurnResult, error) {
	lock := m.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	st := m.state(projectID)
	if st == nil {
		restored, err := m.restore(ctx, projectID, snapshot)
		switch {
		case err == nil:
			st = restored
		case errors.Is(err, store.ErrNoActiveThread):
			if snapshot == nil {
				return nil, ErrSnapshotRequired
			}
			thread, err := m.store.CreateThread(ctx, projectID, "Valuation: "+snapshot.Name)
			if err != nil {
				return nil, fmt.Errorf("create thread: %w", err)
			}
			st = &conversationState{threadID: thread.ID, snapshot: snapshot}
		default:
			return nil, err
		}
		m.setState(projectID, st)
	}
	if snapshot != nil {
		st.snapshot = snapshot
	}

	if _, err := m.store.CreateMessage(ctx, st.threadID, types.MessageTypeUser, text, nil); err != nil {
		slog.Error("user message persist failed; conversation will not resume past this point",
			"project_id", string(projectID), "thread_id", string(st.threadID), "error", err)
	}

	prompt := m.budgeter.buildTurnPrompt(st.history, text)
	result := m.runTurn(ctx, st, prompt)

	st.history = append(st.history, Turn{Role: "User", Text: text})
	if reply := flattenAssistantText(result); reply != "" {
		st.history = append(st.history, Turn{Role: "Assistant", Text: reply})
	}
	return result, nil
}

// ClearConversation drops the in-memory state only; persisted messages and
// thread status are untouched.
func (m *Manager) ClearConversation(projectID types.ProjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, projectID)
}

// restore rebuilds conversation state from the most recent active thread.
// Only user and assistant_text messages re-enter the replayed history; tool
// and telemetry messages are deliberately excluded to keep the context
// conversational and bounded.
func (m *Manager) restore(ctx context.Context, projectID types.ProjectID, snapshot *types.ProjectSnapshot) (*conversationState, error) {
	thread, err := m.store.ActiveThreadByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	messages, err := m.store.MessagesByThread(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("load thread messages: %w", err)
	}

	var history []Turn
	for _, msg := range messages {
		switch msg.Type {
		case types.MessageTypeUser:
			history = append(history, Turn{Role: "User", Text: msg.Content})
		case types.MessageTypeAssistantText:
			history = append(history, Turn{Role: "Assistant", Text: msg.Content})
		}
	}
	return &conversationState{threadID: thread.ID, history: history, snapshot: snapshot}, nil
}

// runTurn invokes the collaborator and drains its stream into the log. All
// per-turn failures are converted into an error-typed message in the batch;
// only startup misconfiguration crosses the API as an error.
func (m *Manager) runTurn(ctx context.Context, st *conversationState, prompt string) *types.TurnResult {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return &types.TurnResult{
			Messages: []*types.Message{m.persist(ctx, st.threadID, draft{
				Type:    types.MessageTypeError,
				Content: "Turn cancelled before the agent was invoked: " + err.Error(),
			})},
		}
	}
	defer m.sem.Release(1)

	events, err := m.client.Query(ctx, agent.Request{
		Prompt:         prompt,
		SystemPrompt:   systemPrompt(st.snapshot, m.registry.Labels()),
		AllowedTools:   m.opts.AllowedTools,
		PermissionMode: m.opts.PermissionMode,
	})
	if err != nil {
		slog.Error("agent query failed", "thread_id", string(st.threadID), "error", err)
		return &types.TurnResult{
			Messages: []*types.Message{m.persist(ctx, st.threadID, draft{
				Type:    types.MessageTypeError,
				Content: "Failed to reach the analysis agent: " + err.Error(),
			})},
		}
	}
	return m.drainStream(ctx, st.threadID, events)
}

// fetchResearch pulls markdown context for the opening prompt when the
// snapshot names a source URL. Failures degrade to an empty context.
func (m *Manager) fetchResearch(ctx context.Context, snapshot *types.ProjectSnapshot) string {
	if m.research == nil || snapshot == nil || snapshot.SourceURL == "" {
		return ""
	}
	md, err := m.research.Fetch(ctx, snapshot.SourceURL)
	if err != nil {
		slog.Warn("research fetch failed", "url", snapshot.SourceURL, "error", err)
		return ""
	}
	return md
}

// flattenAssistantText concatenates the assistant text content of a turn for
// the in-memory history.
func flattenAssistantText(result *types.TurnResult) string {
	var parts []string
	for _, msg := range result.Messages {
		if msg.Type == types.MessageTypeAssistantText {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n")
}
