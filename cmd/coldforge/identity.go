package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/reputation"
)

var (
	identityWorkspace  string
	identityAdd        reputation.Identity
	identityAddKind    string
	identityResetDaily bool
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Sending identity commands",
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sending identities",
	RunE:  runIdentityList,
}

var identityShowCmd = &cobra.Command{
	Use:   "show <identity_id>",
	Short: "Show identity details and recent blacklist checks",
	Args:  cobra.ExactArgs(1),
	RunE:  runIdentityShow,
}

var identityAddCmd = &cobra.Command{
	Use:   "add <address>",
	Short: "Register a sending identity",
	Long: `Register a sending IP or provider account.

Examples:
  coldforge identity add 203.0.113.10 --workspace ws-1 --provider smtp --max-per-hour 50
  coldforge identity add sg-main --kind account --provider sendgrid`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentityAdd,
}

var identityResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset hourly usage counters (--daily for daily)",
	RunE:  runIdentityReset,
}

func init() {
	identityListCmd.Flags().StringVar(&identityWorkspace, "workspace", "", "Filter by workspace")

	f := identityAddCmd.Flags()
	f.StringVar(&identityAdd.ID, "id", "", "Identity id (generated when empty)")
	f.StringVar(&identityAdd.WorkspaceID, "workspace", "", "Workspace id")
	f.StringVar(&identityAddKind, "kind", string(reputation.KindIP), "Identity kind (ip, account)")
	f.StringVar(&identityAdd.Provider, "provider", "", "Provider that sends through this identity")
	f.StringVar(&identityAdd.Pool, "pool", "", "Pool name")
	f.IntVar(&identityAdd.Priority, "priority", 0, "Priority for priority-based rotation (lower first)")
	f.IntVar(&identityAdd.MaxPerHour, "max-per-hour", 0, "Hourly cap (0 means unlimited)")
	f.IntVar(&identityAdd.MaxPerDay, "max-per-day", 0, "Daily cap (0 means unlimited)")

	identityResetCmd.Flags().BoolVar(&identityResetDaily, "daily", false, "Reset daily counters instead of hourly")

	identityCmd.AddCommand(identityListCmd, identityShowCmd, identityAddCmd, identityResetCmd)
	rootCmd.AddCommand(identityCmd)
}

func runIdentityList(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	identities, err := services.Reputation.ListIdentities(context.Background(), identityWorkspace)
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(identities) == 0 {
		fmt.Fprintln(out, "No identities registered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tPROVIDER\tSCORE\tHEALTH\tHOUR\tDAY\tBLACKLISTS")
	fmt.Fprintln(w, "--\t-------\t--------\t-----\t------\t----\t---\t----------")

	for _, i := range identities {
		health := string(i.HealthStatus)
		if !i.Active {
			health = "inactive"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\t%s\t%s\t%d\n",
			truncateID(i.ID),
			i.Address,
			i.Provider,
			i.ReputationScore,
			health,
			usage(i.CurrentPerHour, i.MaxPerHour),
			usage(i.CurrentPerDay, i.MaxPerDay),
			i.BlacklistCount,
		)
	}

	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d identities\n", len(identities))

	return nil
}

func usage(current, max int) string {
	if max <= 0 {
		return fmt.Sprintf("%d/-", current)
	}
	return fmt.Sprintf("%d/%d", current, max)
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	ctx := context.Background()
	i, err := services.Reputation.GetIdentity(ctx, args[0])
	if errors.Is(err, reputation.ErrNotFound) {
		return fmt.Errorf("identity not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to get identity: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Identity: %s\n\n", i.ID)
	fmt.Fprintf(out, "Workspace:   %s\n", i.WorkspaceID)
	fmt.Fprintf(out, "Address:     %s (%s)\n", i.Address, i.Kind)
	fmt.Fprintf(out, "Provider:    %s\n", i.Provider)
	if i.Pool != "" {
		fmt.Fprintf(out, "Pool:        %s\n", i.Pool)
	}
	fmt.Fprintf(out, "Active:      %t\n", i.Active)
	fmt.Fprintf(out, "Healthy:     %t (%s)\n", i.Healthy, i.HealthStatus)
	fmt.Fprintf(out, "Score:       %.1f\n", i.ReputationScore)
	fmt.Fprintf(out, "Hourly:      %s\n", usage(i.CurrentPerHour, i.MaxPerHour))
	fmt.Fprintf(out, "Daily:       %s\n", usage(i.CurrentPerDay, i.MaxPerDay))
	fmt.Fprintf(out, "Last Used:   %s\n", formatTime(i.LastUsedAt))
	if len(i.BlacklistedOn) > 0 {
		fmt.Fprintf(out, "Listed On:   %s\n", strings.Join(i.BlacklistedOn, ", "))
	}

	checks, err := services.Reputation.ListBlacklistChecks(ctx, i.ID, 10)
	if err != nil {
		return fmt.Errorf("failed to list blacklist checks: %w", err)
	}
	if len(checks) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nRecent Blacklist Checks:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, c := range checks {
		status := "clean"
		if c.Listed {
			status = "LISTED"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\n", c.CheckedAt.Format(time.RFC3339), c.Zone, status)
	}
	w.Flush()

	return nil
}

func runIdentityAdd(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	ident := identityAdd
	ident.Address = args[0]
	ident.Kind = reputation.IdentityKind(identityAddKind)
	ident.Active = true
	if ident.Kind != reputation.KindIP && ident.Kind != reputation.KindAccount {
		return fmt.Errorf("invalid kind %q (use ip or account)", identityAddKind)
	}

	if err := services.Reputation.SaveIdentity(context.Background(), &ident); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Identity %s registered (%s, score %.1f)\n", ident.ID, ident.Address, ident.ReputationScore)
	return nil
}

func runIdentityReset(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	ctx := context.Background()
	reset, window := services.Reputation.ResetHourly, "hourly"
	if identityResetDaily {
		reset, window = services.Reputation.ResetDaily, "daily"
	}

	n, err := reset(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset %s counters: %w", window, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Reset %s counters on %d identities\n", window, n)
	return nil
}
