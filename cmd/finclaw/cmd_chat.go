package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/finclaw/internal/agent"
	"github.com/user/finclaw/internal/extract"
	"github.com/user/finclaw/internal/research"
	"github.com/user/finclaw/internal/session"
	"github.com/user/finclaw/internal/store"
	"github.com/user/finclaw/internal/types"
)

var chatSnapshotPath string

func init() {
	chatCmd.Flags().StringVar(&chatSnapshotPath, "snapshot", "", "project snapshot JSON file (required for a new conversation)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <project-id>",
	Short: "Talk to a project's valuation conversation from the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		projectID := types.ProjectID(args[0])

		client := agent.NewCLIClient(cfg.Agent.Bin)
		if err := client.Preflight(); err != nil {
			return fmt.Errorf("agent unavailable: %w", err)
		}

		db, err := store.Open(filepath.Join(cfg.DataDir, "finclaw.db"))
		if err != nil {
			return fmt.Errorf("open message log: %w", err)
		}
		defer db.Close()

		manager, err := session.NewManager(db, client, extract.NewRegistry(), research.NewFetcher(), session.Options{
			AllowedTools:   cfg.Agent.AllowedTools,
			PermissionMode: cfg.Agent.PermissionMode,
			MaxConcurrent:  int64(cfg.Agent.MaxConcurrent),
			HistoryTokens:  cfg.Agent.HistoryTokens,
		})
		if err != nil {
			return fmt.Errorf("create session manager: %w", err)
		}

		snapshot, err := loadSnapshot(chatSnapshotPath)
		if err != nil {
			return err
		}

		ctx := context.Background()
		result, err := manager.StartConversation(ctx, projectID, snapshot)
		if err != nil {
			return fmt.Errorf("start conversation: %w", err)
		}
		printBatch(result)

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				return scanner.Err()
			}
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if text == "/quit" {
				return nil
			}
			if text == "/clear" {
				manager.ClearConversation(projectID)
				fmt.Println("(in-memory conversation cleared; the log is untouched)")
				continue
			}

			result, err := manager.SendMessage(ctx, projectID, text, snapshot)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			printBatch(result)
		}
	},
}

func loadSnapshot(path string) (*types.ProjectSnapshot, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snapshot types.ProjectSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snapshot, nil
}

func printBatch(result *types.TurnResult) {
	for _, msg := range result.Messages {
		switch msg.Type {
		case types.MessageTypeAssistantText:
			fmt.Println(msg.Content)
		case types.MessageTypeMethodValuation:
			if msg.Metadata != nil && msg.Metadata.ValuationValue != nil {
				fmt.Printf("[%s result: $%.2f]\n", msg.Metadata.MethodType, *msg.Metadata.ValuationValue)
			}
		case types.MessageTypeValuation:
			if msg.Metadata != nil && msg.Metadata.ValuationValue != nil {
				fmt.Printf("[valuation result: $%.2f]\n", *msg.Metadata.ValuationValue)
			}
		case types.MessageTypeError:
			fmt.Printf("[error: %s]\n", msg.Content)
		case types.MessageTypeCodeBlock:
			fmt.Printf("--- %s ---\n%s\n---\n", msg.Metadata.Language, msg.Content)
		case types.MessageTypeToolCallStart, types.MessageTypeExecuting, types.MessageTypeResult:
			// telemetry; keep the terminal quiet
		}
	}
	if !result.Done {
		fmt.Println("(turn ended without a final result)")
	}
}
