package main

import (
	"crypto/rsa"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/dkim"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a signing key and print its DNS record",
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the DNS record for an existing key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Sending domain (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "coldforge", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Directory for the key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Sending domain (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "coldforge", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	key, err := dkim.GenerateKey()
	if err != nil {
		return err
	}

	path := filepath.Join(dkimOutDir, dkimDomain+".key")
	if err := dkim.SavePrivateKey(key, path); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Private key saved to: %s\n\n", path)
	return printDKIMRecord(cmd, key)
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := dkim.LoadPrivateKey(dkimKeyFile)
	if err != nil {
		return err
	}
	return printDKIMRecord(cmd, key)
}

func printDKIMRecord(cmd *cobra.Command, key *rsa.PrivateKey) error {
	record, err := dkim.DNSRecord(key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "DNS Record:\n")
	fmt.Fprintf(out, "  Name:  %s\n", dkim.DNSName(dkimSelector, dkimDomain))
	fmt.Fprintf(out, "  Type:  TXT\n")
	fmt.Fprintf(out, "  Value: %s\n", record)
	return nil
}
