package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/recovery"
)

var (
	recoveryWorkspace  string
	recoveryStatus     string
	recoveryLimit      int
	recoveryTask       recovery.Task
	recoveryEntityType string
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Recovery task commands",
}

var recoveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recovery tasks",
	RunE:  runRecoveryList,
}

var recoveryCreateCmd = &cobra.Command{
	Use:   "create <type> <entity_id>",
	Short: "Create a recovery task (delisting, warmup_reset, rate_reduction, quarantine)",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecoveryCreate,
}

var recoveryExecuteCmd = &cobra.Command{
	Use:   "execute <task_id>",
	Short: "Execute a pending or failed recovery task",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecoveryExecute,
}

func init() {
	recoveryListCmd.Flags().StringVar(&recoveryWorkspace, "workspace", "", "Filter by workspace")
	recoveryListCmd.Flags().StringVar(&recoveryStatus, "status", "", "Filter by status (pending, in_progress, completed, failed)")
	recoveryListCmd.Flags().IntVar(&recoveryLimit, "limit", 50, "Maximum number of tasks to show")

	f := recoveryCreateCmd.Flags()
	f.StringVar(&recoveryTask.WorkspaceID, "workspace", "", "Workspace id")
	f.StringVar(&recoveryEntityType, "entity-type", string(recovery.EntityIdentity), "Entity type (identity, mailbox)")
	f.StringVar(&recoveryTask.Reason, "reason", "manual", "Why the task was created")

	recoveryCmd.AddCommand(recoveryListCmd, recoveryCreateCmd, recoveryExecuteCmd)
	rootCmd.AddCommand(recoveryCmd)
}

func runRecoveryList(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	tasks, err := services.Recovery.List(context.Background(), recovery.Filter{
		WorkspaceID: recoveryWorkspace,
		Status:      recovery.Status(recoveryStatus),
		Limit:       recoveryLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No recovery tasks")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tENTITY\tREASON\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t------\t------\t-------")

	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%s\t%s\t%s\n",
			truncateID(t.ID),
			t.Type,
			t.Status,
			t.EntityType,
			truncate(t.EntityID, 24),
			truncate(t.Reason, 40),
			formatTime(&t.CreatedAt),
		)
	}

	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d tasks\n", len(tasks))

	return nil
}

func runRecoveryCreate(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	task := recoveryTask
	task.Type = recovery.Type(args[0])
	task.EntityID = args[1]
	task.EntityType = recovery.EntityType(recoveryEntityType)

	created, isNew, err := services.Recovery.Create(context.Background(), &task)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	out := cmd.OutOrStdout()
	if !isNew {
		fmt.Fprintf(out, "Task %s already active for %s (%s)\n", created.ID, created.EntityID, created.Status)
		return nil
	}
	fmt.Fprintf(out, "Task %s created (%s on %s)\n", created.ID, created.Type, created.EntityID)
	return nil
}

func runRecoveryExecute(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	task, err := services.Recovery.Execute(context.Background(), args[0])
	switch {
	case errors.Is(err, recovery.ErrNotFound):
		return fmt.Errorf("task not found: %s", args[0])
	case errors.Is(err, recovery.ErrInvalidTransition):
		return fmt.Errorf("task cannot be executed: %w", err)
	case task == nil:
		return fmt.Errorf("failed to execute task: %w", err)
	}

	printTask(cmd, task)
	if err != nil {
		return fmt.Errorf("task %s failed: %w", task.ID, err)
	}
	return nil
}

func printTask(cmd *cobra.Command, t *recovery.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task: %s\n\n", t.ID)
	fmt.Fprintf(out, "Type:      %s\n", t.Type)
	fmt.Fprintf(out, "Status:    %s\n", t.Status)
	fmt.Fprintf(out, "Entity:    %s %s\n", t.EntityType, t.EntityID)
	fmt.Fprintf(out, "Started:   %s\n", formatTime(t.StartedAt))
	fmt.Fprintf(out, "Completed: %s\n", formatTime(t.CompletedAt))
	if t.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", t.Error)
	}

	if len(t.Actions) == 0 {
		return
	}
	fmt.Fprintln(out, "\nActions:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, a := range t.Actions {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", a.At.Format(time.RFC3339), a.Description, a.Result)
	}
	w.Flush()
}
