package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/finclaw/internal/store"
	"github.com/user/finclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadListCmd, threadShowCmd, threadArchiveCmd)
}

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Inspect and manage conversation threads",
}

func openStore() (*store.SQLite, error) {
	cfg := loadConfig()
	return store.Open(filepath.Join(cfg.DataDir, "finclaw.db"))
}

var threadListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List threads for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		threads, err := db.ThreadsByProject(ctx, types.ProjectID(args[0]))
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}
		if len(threads) == 0 {
			fmt.Println("No threads found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tMESSAGES\tLAST ACTIVE")
		for _, t := range threads {
			count, err := db.CountMessages(ctx, t.ID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				t.ID,
				t.Status,
				count,
				t.LastActiveAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var threadShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print a thread's message log in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		messages, err := db.MessagesByThread(context.Background(), types.ThreadID(args[0]))
		if err != nil {
			return fmt.Errorf("load messages: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tCONTENT")
		for _, m := range messages {
			content := m.Content
			if len(content) > 80 {
				content = content[:77] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", m.Seq, m.Type, content)
		}
		return w.Flush()
	},
}

var threadArchiveCmd = &cobra.Command{
	Use:   "archive <thread-id>",
	Short: "Archive a thread so the next start creates a fresh conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.ArchiveThread(context.Background(), types.ThreadID(args[0])); err != nil {
			return err
		}
		fmt.Printf("Thread %s archived.\n", args[0])
		return nil
	},
}
