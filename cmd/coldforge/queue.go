package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/queue"
)

var (
	queueListStatus     string
	queueListWorkspace  string
	queueListCampaign   string
	queueListLimit      int
	queueRetryWorkspace string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages in the queue",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show message details and events",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <message_id>...",
	Short: "Cancel queued messages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueueCancel,
}

var queueRetryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Requeue failed messages",
	RunE:  runQueueRetryFailed,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, scheduled, processing, sent, delivered, bounced, failed, cancelled)")
	queueListCmd.Flags().StringVar(&queueListWorkspace, "workspace", "", "Filter by workspace")
	queueListCmd.Flags().StringVar(&queueListCampaign, "campaign", "", "Filter by campaign")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of messages to show")
	queueRetryFailedCmd.Flags().StringVar(&queueRetryWorkspace, "workspace", "", "Only retry messages of this workspace")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueCancelCmd, queueRetryFailedCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	messages, err := services.Queue.List(context.Background(), queue.ListFilter{
		WorkspaceID: queueListWorkspace,
		CampaignID:  queueListCampaign,
		Status:      queue.MessageStatus(queueListStatus),
		Limit:       queueListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(messages) == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tFROM\tTO\tSCHEDULED\tATTEMPTS")
	fmt.Fprintln(w, "--\t------\t----\t--\t---------\t--------")

	for _, msg := range messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			truncateID(msg.ID),
			msg.Status,
			truncate(msg.From.Email, 30),
			truncate(msg.To.Email, 30),
			formatTime(&msg.ScheduledAt),
			msg.Attempts,
			msg.MaxAttempts,
		)
	}

	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d messages\n", len(messages))

	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	ctx := context.Background()
	id := args[0]

	msg, err := services.Queue.Get(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("message not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Message: %s\n\n", msg.ID)
	fmt.Fprintf(out, "Status:      %s\n", msg.Status)
	fmt.Fprintf(out, "Workspace:   %s\n", msg.WorkspaceID)
	if msg.CampaignID != "" {
		fmt.Fprintf(out, "Campaign:    %s\n", msg.CampaignID)
	}
	fmt.Fprintf(out, "From:        %s\n", msg.From.Email)
	fmt.Fprintf(out, "To:          %s\n", msg.To.Email)
	fmt.Fprintf(out, "Subject:     %s\n", msg.Subject)
	fmt.Fprintf(out, "Priority:    %d\n", msg.Priority)
	fmt.Fprintf(out, "Scheduled:   %s\n", msg.ScheduledAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Attempts:    %d/%d\n", msg.Attempts, msg.MaxAttempts)
	if msg.NextRetryAt != nil {
		fmt.Fprintf(out, "Next Retry:  %s\n", msg.NextRetryAt.Format(time.RFC3339))
	}
	if msg.IdentityID != "" {
		fmt.Fprintf(out, "Identity:    %s\n", msg.IdentityID)
	}
	if msg.Provider != "" {
		fmt.Fprintf(out, "Provider:    %s (%s)\n", msg.Provider, msg.ProviderMessageID)
	}
	if msg.ErrorMessage != "" {
		fmt.Fprintf(out, "\nLast Error:\n  [%s] %s\n", msg.ErrorCode, msg.ErrorMessage)
	}

	events, err := services.Queue.Events(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nEvents:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, ev := range events {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", ev.At.Format(time.RFC3339), ev.Type, ev.Provider, ev.Detail)
	}
	w.Flush()

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	stats, err := services.Queue.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Queue Statistics")
	fmt.Fprintln(out, "================")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range statuses {
		fmt.Fprintf(w, "%s:\t%d\n", s, stats.ByStatus[queue.MessageStatus(s)])
	}
	fmt.Fprintf(w, "ready:\t%d\n", stats.Ready)
	fmt.Fprintf(w, "total:\t%d\n", stats.Total)
	w.Flush()

	return nil
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	results, err := services.Queue.Cancel(context.Background(), args)
	if err != nil {
		return fmt.Errorf("failed to cancel messages: %w", err)
	}

	out := cmd.OutOrStdout()
	cancelled := 0
	for _, r := range results {
		if r.Cancelled {
			cancelled++
			fmt.Fprintf(out, "%s: cancelled\n", r.ID)
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", r.ID, r.Error)
	}
	fmt.Fprintf(out, "\nCancelled %d of %d messages\n", cancelled, len(results))

	return nil
}

func runQueueRetryFailed(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	n, err := services.Queue.RetryFailed(context.Background(), queueRetryWorkspace)
	if err != nil {
		return fmt.Errorf("failed to retry messages: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed messages\n", n)
	return nil
}
