package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendgate/internal/dns"
	"github.com/foxzi/sendgate/internal/dnscheck"
)

var (
	dnsCheckMX    bool
	dnsCheckSPF   bool
	dnsCheckDKIM  bool
	dnsCheckDMARC bool
	dnsSelector   string
	dnsFormat     string
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS commands",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check <domain>",
	Short: "Check DNS records for a domain",
	Long:  `Check the MX, SPF, DKIM and DMARC records of a sending domain.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDNSCheck,
}

func init() {
	dnsCheckCmd.Flags().BoolVar(&dnsCheckMX, "mx", false, "Check MX records")
	dnsCheckCmd.Flags().BoolVar(&dnsCheckSPF, "spf", false, "Check SPF record")
	dnsCheckCmd.Flags().BoolVar(&dnsCheckDKIM, "dkim", false, "Check DKIM record")
	dnsCheckCmd.Flags().BoolVar(&dnsCheckDMARC, "dmarc", false, "Check DMARC record")
	dnsCheckCmd.Flags().StringVar(&dnsSelector, "selector", dnscheck.DefaultSelector, "DKIM selector to check")
	dnsCheckCmd.Flags().StringVar(&dnsFormat, "format", "table", "Output format (table, json)")

	dnsCmd.AddCommand(dnsCheckCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checker := dnscheck.New(dns.NewResolver(nil, 0))
	result, err := checker.CheckDomain(ctx, args[0], dnscheck.CheckOptions{
		MX:       dnsCheckMX,
		SPF:      dnsCheckSPF,
		DKIM:     dnsCheckDKIM,
		DMARC:    dnsCheckDMARC,
		Selector: dnsSelector,
	})
	if err != nil {
		return err
	}

	if dnsFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	printCheckResult(result)
	return nil
}

func printCheckResult(result *dnscheck.DomainCheckResult) {
	fmt.Printf("Checking DNS records for: %s\n\n", result.Domain)

	for _, r := range result.Results {
		printResult(r)
	}

	s := result.Summary
	fmt.Printf("Summary: %d OK, %d warnings, %d errors, %d not found\n",
		s.OK, s.Warnings, s.Errors, s.NotFound)
}

func printResult(r dnscheck.CheckResult) {
	statusIcon := "[?]"
	switch r.Status {
	case dnscheck.StatusOK:
		statusIcon = "[OK]"
	case dnscheck.StatusWarning:
		statusIcon = "[WARN]"
	case dnscheck.StatusError:
		statusIcon = "[ERR]"
	case dnscheck.StatusNotFound:
		statusIcon = "[N/A]"
	}

	fmt.Printf("%s %s\n", statusIcon, r.Type)
	if r.Value != "" {
		fmt.Printf("    Value: %s\n", r.Value)
	}
	if r.Message != "" {
		fmt.Printf("    %s\n", r.Message)
	}
	fmt.Println()
}
