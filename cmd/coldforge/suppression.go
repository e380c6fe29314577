package main

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/suppression"
)

var (
	suppressionWorkspace string
	suppressionAll       bool
	suppressionReason    string
	suppressionTTL       time.Duration
)

var suppressionCmd = &cobra.Command{
	Use:   "suppression",
	Short: "Suppression list commands",
}

var suppressionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suppressed addresses",
	RunE:  runSuppressionList,
}

var suppressionAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Suppress an address (global unless --workspace)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuppressionAdd,
}

var suppressionRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Deactivate a suppression entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runSuppressionRemove,
}

func init() {
	for _, c := range []*cobra.Command{suppressionListCmd, suppressionAddCmd, suppressionRemoveCmd} {
		c.Flags().StringVar(&suppressionWorkspace, "workspace", "", "Workspace id (empty for the global list)")
	}
	suppressionListCmd.Flags().BoolVar(&suppressionAll, "all", false, "Include inactive entries")
	suppressionAddCmd.Flags().StringVar(&suppressionReason, "reason", string(suppression.ReasonManual), "Suppression reason")
	suppressionAddCmd.Flags().DurationVar(&suppressionTTL, "ttl", 0, "Expire the entry after this long (0 means never)")

	suppressionCmd.AddCommand(suppressionListCmd, suppressionAddCmd, suppressionRemoveCmd)
	rootCmd.AddCommand(suppressionCmd)
}

func runSuppressionList(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	entries, err := services.Suppressions.List(context.Background(), suppressionWorkspace, suppressionAll)
	if err != nil {
		return fmt.Errorf("failed to list suppressions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "Suppression list is empty")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tWORKSPACE\tREASON\tSOURCE\tACTIVE\tEXPIRES\tCREATED")
	fmt.Fprintln(w, "-----\t---------\t------\t------\t------\t-------\t-------")

	for _, e := range entries {
		ws := e.WorkspaceID
		if ws == "" {
			ws = "(global)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			e.Email,
			ws,
			e.Reason,
			e.Source,
			e.Active,
			formatTime(e.ExpiresAt),
			formatTime(&e.CreatedAt),
		)
	}

	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d entries\n", len(entries))

	return nil
}

func runSuppressionAdd(cmd *cobra.Command, args []string) error {
	if _, err := mail.ParseAddress(args[0]); err != nil {
		return fmt.Errorf("invalid email address: %s", args[0])
	}
	reason := suppression.Reason(suppressionReason)
	if !reason.Valid() {
		return fmt.Errorf("unknown reason: %s", suppressionReason)
	}

	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	entry := &suppression.Entry{
		Email:       strings.ToLower(strings.TrimSpace(args[0])),
		WorkspaceID: suppressionWorkspace,
		Reason:      reason,
		Source:      "cli",
		Active:      true,
	}
	if suppressionTTL > 0 {
		expires := time.Now().Add(suppressionTTL)
		entry.ExpiresAt = &expires
	}

	if err := services.Suppressions.Add(context.Background(), entry); err != nil {
		return fmt.Errorf("failed to add suppression: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Suppressed %s (%s)\n", entry.Email, entry.Reason)
	return nil
}

func runSuppressionRemove(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	err = services.Suppressions.Deactivate(context.Background(), suppressionWorkspace, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("address is not suppressed: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to remove suppression: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from the suppression list\n", args[0])
	return nil
}
