// internal/agent/cli.go
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// scanBufSize bounds a single stream-JSON line; large tool output can
// produce lines well past bufio's default.
const scanBufSize = 1024 * 1024

// CLIClient drives an agent CLI in stream-JSON mode: one turn per process,
// one JSON event per stdout line.
type CLIClient struct {
	bin   string
	args  []string
	retry *RetryPolicy
}

// NewCLIClient creates a client for the given agent binary. Extra args are
// passed through on every invocation.
func NewCLIClient(bin string, args ...string) *CLIClient {
	return &CLIClient{
		bin:   bin,
		args:  args,
		retry: DefaultRetryPolicy(),
	}
}

// Preflight verifies the agent binary and credential are available. A
// failure here is fatal at process start; there is no retry.
func (c *CLIClient) Preflight() error {
	if _, err := exec.LookPath(c.bin); err != nil {
		return fmt.Errorf("agent binary not found: %w", err)
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	return nil
}

// Query launches one agent turn and streams its events. The returned channel
// closes when the subprocess exits; decode and scanner failures surface as a
// trailing EventError. Launch failures are retried with backoff since no
// event has been emitted yet; nothing is ever retried mid-stream.
func (c *CLIClient) Query(ctx context.Context, req Request) (<-chan Event, error) {
	args := append([]string{}, c.args...)
	args = append(args, "--print", "--output-format", "stream-json", "--verbose")
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}

	var cmd *exec.Cmd
	var stdout *bufio.Scanner
	err := c.retry.Execute(func() error {
		cmd = exec.CommandContext(ctx, c.bin, args...)
		cmd.Stdin = strings.NewReader(req.Prompt)
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start agent: %w", err)
		}
		stdout = bufio.NewScanner(pipe)
		stdout.Buffer(make([]byte, 0, 64*1024), scanBufSize)
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() {
			if err := cmd.Wait(); err != nil {
				slog.Warn("agent process exited with error", "error", err)
			}
		}()

		for stdout.Scan() {
			line := stdout.Bytes()
			if len(line) == 0 {
				continue
			}
			ev, err := parseLine(line)
			if err != nil {
				slog.Warn("skipping undecodable agent event", "error", err)
				continue
			}
			if ev == nil {
				continue
			}
			select {
			case events <- *ev:
			case <-ctx.Done():
				return
			}
		}
		if err := stdout.Err(); err != nil {
			select {
			case events <- Event{Type: EventError, Err: fmt.Sprintf("agent stream: %v", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return events, nil
}

// Wire shapes for the CLI's stream-JSON output.
type wireEvent struct {
	Type       string       `json:"type"`
	Subtype    string       `json:"subtype,omitempty"`
	Message    *wireMessage `json:"message,omitempty"`
	Result     string       `json:"result,omitempty"`
	IsError    bool         `json:"is_error,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
}

type wireMessage struct {
	Content []wireBlock `json:"content"`
}

type wireBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// parseLine maps one wire line to an Event. Returns (nil, nil) for lines that
// carry nothing the normalizer cares about.
func parseLine(line []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch w.Type {
	case "assistant":
		ev := &Event{Type: EventAssistant}
		if w.Message != nil {
			for _, b := range w.Message.Content {
				switch b.Type {
				case "text":
					ev.Blocks = append(ev.Blocks, ContentBlock{Kind: BlockText, Text: b.Text})
				case "tool_use":
					ev.Blocks = append(ev.Blocks, ContentBlock{Kind: BlockToolUse, Tool: b.Name, Input: b.Input})
				}
			}
		}
		return ev, nil

	case "user":
		// Tool results come back wrapped in a user-role message.
		if w.Message == nil {
			return nil, nil
		}
		for _, b := range w.Message.Content {
			if b.Type == "tool_result" {
				return &Event{Type: EventToolResult, IsError: b.IsError, DurationMS: w.DurationMS}, nil
			}
		}
		return nil, nil

	case "result":
		return &Event{Type: EventResult, Text: w.Result, IsError: w.IsError, DurationMS: w.DurationMS}, nil

	case "system":
		return &Event{Type: EventSystem, Subtype: w.Subtype}, nil

	default:
		return &Event{Type: EventSystem, Subtype: w.Type}, nil
	}
}
