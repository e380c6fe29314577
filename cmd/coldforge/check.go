package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/dns"
	"github.com/UpmaxAutomation/coldforge-sub002/internal/dnscheck"
)

var (
	checkTimeout   int
	checkZones     []string
	domainSelector string
	domainIP       string
)

var ipCmd = &cobra.Command{
	Use:   "ip",
	Short: "IP address diagnostics",
}

var ipCheckCmd = &cobra.Command{
	Use:   "check <ip>",
	Short: "Check IP address against DNS blacklists (DNSBL)",
	Long: `Check if an IP address is listed in DNS-based blackhole lists.

Zones come from --zone, then from the blacklist section of the config
file when -c is given, then from the built-in list.

Examples:
  coldforge ip check 1.2.3.4
  coldforge ip check 1.2.3.4 --zone zen.spamhaus.org --timeout 10`,
	Args: cobra.ExactArgs(1),
	RunE: runIPCheck,
}

var ipListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DNSBL services checked by 'ip check'",
	RunE:  runIPList,
}

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Sending domain diagnostics",
}

var domainCheckCmd = &cobra.Command{
	Use:   "check <domain>",
	Short: "Check SPF, DKIM, DMARC and MX of a sending domain",
	Long: `Check the authentication records of a sending domain and compute its
deliverability score.

Examples:
  coldforge domain check example.com
  coldforge domain check example.com --selector s1 --ip 203.0.113.10`,
	Args: cobra.ExactArgs(1),
	RunE: runDomainCheck,
}

func init() {
	ipCheckCmd.Flags().IntVar(&checkTimeout, "timeout", 30, "Timeout in seconds for all checks")
	ipCheckCmd.Flags().StringSliceVar(&checkZones, "zone", nil, "DNSBL zone to query (repeatable)")
	ipListCmd.Flags().StringSliceVar(&checkZones, "zone", nil, "DNSBL zone to query (repeatable)")

	domainCheckCmd.Flags().IntVar(&checkTimeout, "timeout", 30, "Timeout in seconds for all checks")
	domainCheckCmd.Flags().StringVar(&domainSelector, "selector", "", "DKIM selector")
	domainCheckCmd.Flags().StringVar(&domainIP, "ip", "", "Sending IP to include a blacklist check in the score")

	ipCmd.AddCommand(ipCheckCmd, ipListCmd)
	domainCmd.AddCommand(domainCheckCmd)
	rootCmd.AddCommand(ipCmd, domainCmd)
}

// newChecker builds a checker from the flags and, when -c is given, the
// config file
func newChecker() (*dnscheck.Checker, error) {
	cfg := dnscheck.Config{Zones: checkZones}
	if cfgFile != "" {
		c, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if len(cfg.Zones) == 0 {
			cfg.Zones = c.Blacklist.Zones
		}
		cfg.DefaultSelector = c.AuthCheck.Selector
	}
	return dnscheck.NewChecker(dns.NewResolver(nil, 0), cfg), nil
}

func runIPCheck(cmd *cobra.Command, args []string) error {
	checker, err := newChecker()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking IP %s against %d DNS blacklists...\n\n", args[0], len(checker.Zones()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(checkTimeout)*time.Second)
	defer cancel()

	result, err := checker.CheckIP(ctx, args[0])
	if err != nil {
		return err
	}

	printIPResult(out, result)
	return nil
}

func printIPResult(out io.Writer, result *dnscheck.IPCheckResult) {
	fmt.Fprintf(out, "%-20s %-35s %s\n", "STATUS", "BLACKLIST", "DETAILS")
	fmt.Fprintln(out, strings.Repeat("-", 80))

	for _, r := range result.Results {
		switch {
		case r.Error != "":
			fmt.Fprintf(out, "%-20s %-35s %s\n", "[ERROR]", r.DNSBL.Name, r.Error)
		case r.Listed:
			details := ""
			if len(r.ReturnCodes) > 0 {
				details = "Return codes: " + strings.Join(r.ReturnCodes, ", ")
			}
			if r.DNSBL.DelistURL != "" {
				details += " Delist: " + r.DNSBL.DelistURL
			}
			fmt.Fprintf(out, "%-20s %-35s %s\n", "[LISTED]", r.DNSBL.Name, strings.TrimSpace(details))
		default:
			fmt.Fprintf(out, "%-20s %-35s\n", "[CLEAN]", r.DNSBL.Name)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("=", 80))
	fmt.Fprintf(out, "Summary for %s:\n", result.IP)
	fmt.Fprintf(out, "  Clean:  %d blacklists\n", result.Summary.Clean)
	fmt.Fprintf(out, "  Listed: %d blacklists\n", result.Summary.Listed)
	if result.Summary.Errors > 0 {
		fmt.Fprintf(out, "  Errors: %d blacklists\n", result.Summary.Errors)
	}

	if result.Summary.Listed > 0 {
		fmt.Fprintln(out, "\nWarning: IP is listed in one or more blacklists.")
	} else if result.Summary.Clean == len(result.Results) {
		fmt.Fprintln(out, "\nIP address is clean - not listed in any checked blacklists.")
	}
}

func runIPList(cmd *cobra.Command, args []string) error {
	checker, err := newChecker()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	zones := checker.Zones()
	fmt.Fprintf(out, "DNS Blacklists (%d total):\n\n", len(zones))
	fmt.Fprintf(out, "%-20s %-30s %s\n", "NAME", "ZONE", "DESCRIPTION")
	fmt.Fprintln(out, strings.Repeat("-", 90))

	for _, bl := range zones {
		fmt.Fprintf(out, "%-20s %-30s %s\n", bl.Name, bl.Zone, bl.Description)
	}

	return nil
}

func runDomainCheck(cmd *cobra.Command, args []string) error {
	checker, err := newChecker()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(checkTimeout)*time.Second)
	defer cancel()

	report, err := checker.CheckDomain(ctx, args[0], dnscheck.DomainOptions{
		Selector: domainSelector,
		IP:       domainIP,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking DNS records for: %s\n\n", report.Domain)
	for _, r := range []dnscheck.RecordCheck{report.SPF, report.DKIM, report.DMARC, report.MX} {
		printRecord(out, r)
	}

	if report.Blacklist != nil {
		fmt.Fprintln(out)
		printIPResult(out, report.Blacklist)
	}

	fmt.Fprintf(out, "\nDeliverability score: %.0f/100\n", report.Score)
	return nil
}

func printRecord(out io.Writer, r dnscheck.RecordCheck) {
	icon := "[?]"
	switch r.Status {
	case dnscheck.StatusPass:
		icon = "[OK]"
	case dnscheck.StatusFail:
		icon = "[FAIL]"
	}

	fmt.Fprintf(out, "%-7s %s\n", icon, r.Type)
	if r.Record != "" {
		fmt.Fprintf(out, "    Value: %s\n", r.Record)
	}
	if r.Policy != "" {
		fmt.Fprintf(out, "    Policy: %s\n", r.Policy)
	}
	if r.Message != "" {
		fmt.Fprintf(out, "    %s\n", r.Message)
	}
}
