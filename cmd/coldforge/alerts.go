package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/alert"
)

var (
	alertsWorkspace  string
	alertsType       string
	alertsAll        bool
	alertsLimit      int
	alertsResolvedBy string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Reputation alert commands",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts (unresolved unless --all)",
	RunE:  runAlertsList,
}

var alertsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate thresholds now and auto-resolve recovered alerts",
	RunE:  runAlertsCheck,
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert_id>",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertsResolve,
}

func init() {
	alertsListCmd.Flags().StringVar(&alertsWorkspace, "workspace", "", "Filter by workspace")
	alertsListCmd.Flags().StringVar(&alertsType, "type", "", "Filter by alert type")
	alertsListCmd.Flags().BoolVar(&alertsAll, "all", false, "Include resolved alerts")
	alertsListCmd.Flags().IntVar(&alertsLimit, "limit", 50, "Maximum number of alerts to show")
	alertsCheckCmd.Flags().StringVar(&alertsWorkspace, "workspace", "", "Only check this workspace")
	alertsResolveCmd.Flags().StringVar(&alertsResolvedBy, "by", "cli", "Who resolved the alert")

	alertsCmd.AddCommand(alertsListCmd, alertsCheckCmd, alertsResolveCmd)
	rootCmd.AddCommand(alertsCmd)
}

func runAlertsList(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	alerts, err := services.Alerts.List(context.Background(), alert.Filter{
		WorkspaceID:    alertsWorkspace,
		Type:           alert.Type(alertsType),
		UnresolvedOnly: !alertsAll,
		Limit:          alertsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list alerts: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(alerts) == 0 {
		fmt.Fprintln(out, "No alerts")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSEVERITY\tTYPE\tENTITY\tVALUE\tSEEN\tSTATE\tCREATED")
	fmt.Fprintln(w, "--\t--------\t----\t------\t-----\t----\t-----\t-------")

	for _, a := range alerts {
		state := "open"
		if a.IsResolved {
			state = "resolved"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s:%s\t%.4g\t%d\t%s\t%s\n",
			truncateID(a.ID),
			a.Severity,
			a.Type,
			a.EntityType,
			truncate(a.EntityID, 24),
			a.Value,
			a.Occurrences,
			state,
			formatTime(&a.CreatedAt),
		)
	}

	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d alerts\n", len(alerts))

	return nil
}

func runAlertsCheck(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	ctx := context.Background()
	summary, err := services.Alerts.CheckThresholds(ctx, alertsWorkspace)
	if err != nil {
		return fmt.Errorf("failed to check thresholds: %w", err)
	}
	resolved, err := services.Alerts.AutoResolve(ctx, alertsWorkspace)
	if err != nil {
		return fmt.Errorf("failed to auto-resolve alerts: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Alerts created: %d, updated: %d, auto-resolved: %d\n",
		summary.Created, summary.Updated, resolved)
	return nil
}

func runAlertsResolve(cmd *cobra.Command, args []string) error {
	services, err := openServices()
	if err != nil {
		return err
	}
	defer services.Close()

	a, err := services.Alerts.Resolve(context.Background(), args[0], alertsResolvedBy)
	switch {
	case errors.Is(err, alert.ErrNotFound):
		return fmt.Errorf("alert not found: %s", args[0])
	case errors.Is(err, alert.ErrAlreadyResolved):
		return fmt.Errorf("alert already resolved: %s", args[0])
	case err != nil:
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Alert %s resolved by %s\n", a.ID, a.ResolvedBy)
	return nil
}
