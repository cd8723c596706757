package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/finclaw/internal/state"
)

var (
	taskSchedule string
	taskDisabled bool
)

func init() {
	taskAddCmd.Flags().StringVar(&taskSchedule, "schedule", "", "cron expression (5 or 6 fields)")
	taskAddCmd.Flags().BoolVar(&taskDisabled, "disabled", false, "create the task disabled")
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled valuation refresh tasks",
}

func openTaskStore() *state.TaskStore {
	cfg := loadConfig()
	return state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}

var taskAddCmd = &cobra.Command{
	Use:   "add <name> <project-id> <prompt>",
	Short: "Add a refresh task",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openTaskStore()
		task := &state.RefreshTask{
			Name:      args[0],
			ProjectID: args[1],
			Prompt:    args[2],
			Schedule:  taskSchedule,
			Enabled:   !taskDisabled,
		}
		if err := store.Add(task); err != nil {
			return err
		}
		fmt.Printf("Task %s added.\n", task.Name)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List refresh tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := openTaskStore().List()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPROJECT\tSCHEDULE\tENABLED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", t.Name, t.ProjectID, t.Schedule, t.Enabled)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a refresh task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openTaskStore().Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("Task %s removed.\n", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a refresh task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return openTaskStore().SetEnabled(args[0], true)
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a refresh task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return openTaskStore().SetEnabled(args[0], false)
	},
}
