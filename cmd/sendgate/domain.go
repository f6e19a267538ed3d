package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendgate/internal/dns"
	"github.com/foxzi/sendgate/internal/dnscheck"
	"github.com/foxzi/sendgate/internal/health"
	"github.com/foxzi/sendgate/internal/warmup"
)

var (
	domainTenant       string
	domainCreated      string
	domainReason       string
	domainSelector     string
	domainFormat       string
	warmupScheduleDays int
)

var domainCmd = &cobra.Command{
	Use:   "domain",
	Short: "Sending domain commands",
}

var domainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sending domains",
	RunE:  runDomainList,
}

var domainAddCmd = &cobra.Command{
	Use:   "add <id> <name>",
	Short: "Register a sending domain",
	Args:  cobra.ExactArgs(2),
	RunE:  runDomainAdd,
}

var domainHealthCmd = &cobra.Command{
	Use:   "health <id>",
	Short: "Show domain health",
	Args:  cobra.ExactArgs(1),
	RunE:  runDomainHealth,
}

var domainWarmupCmd = &cobra.Command{
	Use:   "warmup <id>",
	Short: "Show domain warmup status",
	Args:  cobra.ExactArgs(1),
	RunE:  runDomainWarmup,
}

var domainVerifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Check DNS and store the verification flags",
	Args:  cobra.ExactArgs(1),
	RunE:  runDomainVerify,
}

var domainSuspendCmd = &cobra.Command{
	Use:   "suspend <id>",
	Short: "Suspend sending for a domain",
	Args:  cobra.ExactArgs(1),
	RunE:  runDomainSuspend,
}

var domainUnsuspendCmd = &cobra.Command{
	Use:   "unsuspend <id>",
	Short: "Lift a domain suspension",
	Args:  cobra.ExactArgs(1),
	RunE:  runDomainUnsuspend,
}

var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Warmup schedule commands",
}

var warmupScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the warmup ramp",
	RunE:  runWarmupSchedule,
}

func init() {
	domainAddCmd.Flags().StringVar(&domainTenant, "tenant", "", "Owning tenant ID")
	domainAddCmd.Flags().StringVar(&domainCreated, "created", "", "Creation date (YYYY-MM-DD, default: now)")
	domainAddCmd.MarkFlagRequired("tenant")

	domainHealthCmd.Flags().StringVar(&domainFormat, "format", "table", "Output format (table, json)")
	domainVerifyCmd.Flags().StringVar(&domainSelector, "selector", "", "DKIM selector (default: from config)")
	domainSuspendCmd.Flags().StringVar(&domainReason, "reason", "suspended by operator", "Suspension reason")

	warmupScheduleCmd.Flags().IntVar(&warmupScheduleDays, "days", -1, "Show the limit for a domain of this age")

	domainCmd.AddCommand(domainListCmd, domainAddCmd, domainHealthCmd, domainWarmupCmd,
		domainVerifyCmd, domainSuspendCmd, domainUnsuspendCmd)
	warmupCmd.AddCommand(warmupScheduleCmd)
	rootCmd.AddCommand(domainCmd, warmupCmd)
}

// withDomains runs fn against the configured domain store
func withDomains(fn func(ctx context.Context, store health.Store, selector string) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	return fn(ctx, stores.Health, cfg.DNS.DKIMSelector)
}

func runDomainList(cmd *cobra.Command, args []string) error {
	return withDomains(func(ctx context.Context, store health.Store, _ string) error {
		domains, err := store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list domains: %w", err)
		}
		if len(domains) == 0 {
			fmt.Println("No domains registered")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOMAIN\tTENANT\tSTATUS\tREPUTATION\tSENT TODAY")
		fmt.Fprintln(w, "--\t------\t------\t------\t----------\t----------")
		for _, d := range domains {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
				d.ID, d.Name, d.TenantID, d.Classify(), d.ReputationScore, d.SentOn(time.Now()))
		}
		return w.Flush()
	})
}

func runDomainAdd(cmd *cobra.Command, args []string) error {
	name := args[1]
	if err := dnscheck.ValidateDomain(name); err != nil {
		return err
	}

	created := time.Now().UTC()
	if domainCreated != "" {
		t, err := time.Parse("2006-01-02", domainCreated)
		if err != nil {
			return fmt.Errorf("invalid --created date: %w", err)
		}
		created = t
	}

	return withDomains(func(ctx context.Context, store health.Store, _ string) error {
		if _, err := store.Get(ctx, args[0]); err == nil {
			return fmt.Errorf("domain %s already exists", args[0])
		}

		d := &health.Domain{
			ID:              args[0],
			Name:            name,
			TenantID:        domainTenant,
			ReputationScore: 100,
			SendingEnabled:  true,
			CreatedAt:       created,
		}
		if err := store.Put(ctx, d); err != nil {
			return fmt.Errorf("failed to add domain: %w", err)
		}

		fmt.Printf("Domain %s (%s) registered for tenant %s\n", d.Name, d.ID, d.TenantID)
		fmt.Printf("Run 'sendgate domain verify %s' once DNS records are published\n", d.ID)
		return nil
	})
}

func runDomainHealth(cmd *cobra.Command, args []string) error {
	return withDomains(func(ctx context.Context, store health.Store, _ string) error {
		d, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		report := health.NewReport(d)

		if domainFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Printf("Domain: %s (%s)\n", d.Name, d.ID)
		fmt.Printf("Tenant: %s\n", d.TenantID)
		fmt.Printf("Status: %s\n\n", report.Status)

		fmt.Println("Reputation:")
		fmt.Printf("  Score:          %d\n", d.ReputationScore)
		fmt.Printf("  Delivery rate:  %.2f%%\n", report.DeliveryRate)
		fmt.Printf("  Bounce rate:    %.2f%%\n", report.BounceRate)
		fmt.Printf("  Complaint rate: %.3f%%\n\n", report.ComplaintRate)

		fmt.Println("Volume:")
		fmt.Printf("  Sent total:     %d\n", d.TotalEmailsSent)
		fmt.Printf("  Sent today:     %d\n", d.SentOn(time.Now()))
		fmt.Printf("  Hard bounces:   %d\n", d.HardBounces)
		fmt.Printf("  Soft bounces:   %d\n", d.SoftBounces)
		fmt.Printf("  Complaints:     %d\n\n", d.SpamComplaints)

		fmt.Println("Authentication:")
		fmt.Printf("  SPF:   %v\n", d.SPFVerified)
		fmt.Printf("  DKIM:  %v\n", d.DKIMVerified)
		fmt.Printf("  DMARC: %v\n", d.DMARCVerified)

		if d.IsSuspended {
			fmt.Printf("\nSuspended: %s\n", d.SuspendReason)
		}
		return nil
	})
}

func runDomainWarmup(cmd *cobra.Command, args []string) error {
	return withDomains(func(ctx context.Context, store health.Store, _ string) error {
		d, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		st := warmup.Check(d, time.Now())

		fmt.Printf("Domain: %s\n", d.Name)
		fmt.Printf("In warmup: %v (day %d)\n", st.InWarmup, st.DaysSinceCreation)
		fmt.Printf("Recommended daily limit: %d\n", st.RecommendedDailyLimit)
		fmt.Printf("Sent today: %d (remaining %d)\n", st.CurrentDaySent, st.Remaining())
		for _, s := range st.Suggestions {
			fmt.Printf("  - %s\n", s)
		}
		return nil
	})
}

func runDomainVerify(cmd *cobra.Command, args []string) error {
	return withDomains(func(ctx context.Context, store health.Store, selector string) error {
		d, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if domainSelector != "" {
			selector = domainSelector
		}

		checker := dnscheck.New(dns.NewResolver(nil, 0))
		result, err := checker.Verify(ctx, store, d, selector)
		if err != nil {
			return err
		}

		printCheckResult(result)
		v := result.Verification()
		fmt.Printf("Stored: SPF=%v DKIM=%v DMARC=%v\n", v.SPF, v.DKIM, v.DMARC)
		return nil
	})
}

func runDomainSuspend(cmd *cobra.Command, args []string) error {
	return withDomains(func(ctx context.Context, store health.Store, _ string) error {
		if err := store.SetSuspended(ctx, args[0], true, domainReason, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to suspend domain: %w", err)
		}
		fmt.Printf("Domain %s suspended\n", args[0])
		return nil
	})
}

func runDomainUnsuspend(cmd *cobra.Command, args []string) error {
	return withDomains(func(ctx context.Context, store health.Store, _ string) error {
		if err := store.SetSuspended(ctx, args[0], false, "", time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to unsuspend domain: %w", err)
		}
		fmt.Printf("Domain %s unsuspended\n", args[0])
		return nil
	})
}

func runWarmupSchedule(cmd *cobra.Command, args []string) error {
	if warmupScheduleDays >= 0 {
		fmt.Printf("Day %d: %d emails/day\n", warmupScheduleDays, warmup.LimitForDay(warmupScheduleDays))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FROM DAY\tEMAILS/DAY")
	fmt.Fprintln(w, "--------\t----------")
	for _, s := range warmup.Schedule {
		fmt.Fprintf(w, "%d\t%d\n", s.Day, s.Limit)
	}
	w.Flush()

	fmt.Printf("\nWarmup ends after %d days\n", warmup.Days)
	return nil
}
