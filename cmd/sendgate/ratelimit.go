package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendgate/internal/config"
	"github.com/foxzi/sendgate/internal/quota"
	"github.com/foxzi/sendgate/internal/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limit commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show login rate limits and send quotas",
	RunE:  runRatelimitShow,
}

func init() {
	ratelimitCmd.AddCommand(ratelimitShowCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rl := cfg.RateLimit

	fmt.Println("Login Rate Limiting")
	fmt.Println("===================")
	fmt.Printf("Backend: %s\n", rl.Backend)
	if rl.Backend == "redis" {
		fmt.Printf("Key prefix: %s\n", rl.KeyPrefix)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCOPE\tATTEMPTS\tWINDOW\tMULTIPLIER\tFIRST LOCKOUT")
	fmt.Fprintln(w, "-----\t--------\t------\t----------\t-------------")
	printLimit(w, ratelimit.ScopeEmail, rl.Email)
	printLimit(w, ratelimit.ScopeIP, rl.IP)
	w.Flush()

	fmt.Println()
	fmt.Println("Send Quotas")
	fmt.Println("===========")

	q := cfg.Quota
	if q == nil {
		fmt.Println("Not configured")
		return nil
	}

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tMESSAGES/HOUR\tMESSAGES/DAY")
	fmt.Fprintln(w, "-----\t-------------\t------------")
	printQuota(w, "Global", q.Global)
	printQuota(w, "Per Tenant", q.DefaultTenant)
	printQuota(w, "Per Domain", q.DefaultDomain)
	w.Flush()

	fmt.Println("\nPer-Domain Overrides:")
	if len(q.Domains) == 0 {
		fmt.Println("  None configured")
		return nil
	}

	domains := make([]string, 0, len(q.Domains))
	for d := range q.Domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tMESSAGES/HOUR\tMESSAGES/DAY")
	fmt.Fprintln(w, "------\t-------------\t------------")
	for _, d := range domains {
		printQuota(w, d, q.Domains[d])
	}
	return w.Flush()
}

func printLimit(w *tabwriter.Writer, scope string, lc config.LimitConfig) {
	rc := ratelimit.Config{
		MaxRequests:       lc.MaxRequests,
		Window:            lc.Window,
		LockoutMultiplier: lc.LockoutMultiplier,
	}
	fmt.Fprintf(w, "%s\t%d\t%s\t%g\t%s\n",
		scope, lc.MaxRequests, lc.Window, lc.LockoutMultiplier, rc.LockoutDuration(lc.MaxRequests))
}

func printQuota(w *tabwriter.Writer, name string, lc *quota.LimitConfig) {
	if lc == nil {
		fmt.Fprintf(w, "%s\t-\t-\n", name)
		return
	}
	fmt.Fprintf(w, "%s\t%d\t%d\n", name, lc.MessagesPerHour, lc.MessagesPerDay)
}
