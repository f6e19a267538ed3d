package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendgate/internal/storage"
	"github.com/foxzi/sendgate/internal/suppression"
)

var (
	suppressionReason  string
	suppressionDetails []string
	suppressionLimit   int
	suppressionOffset  int
)

var suppressionCmd = &cobra.Command{
	Use:   "suppression",
	Short: "Suppression list commands",
}

var suppressionAddCmd = &cobra.Command{
	Use:   "add <tenant> <email>",
	Short: "Suppress an address for a tenant",
	Args:  cobra.ExactArgs(2),
	RunE:  runSuppressionAdd,
}

var suppressionRemoveCmd = &cobra.Command{
	Use:   "remove <tenant> <email>",
	Short: "Remove a tenant suppression",
	Args:  cobra.ExactArgs(2),
	RunE:  runSuppressionRemove,
}

var suppressionCheckCmd = &cobra.Command{
	Use:   "check <tenant> <email>...",
	Short: "Check whether addresses are suppressed",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSuppressionCheck,
}

var suppressionListCmd = &cobra.Command{
	Use:   "list [tenant]",
	Short: "List suppressions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSuppressionList,
}

func init() {
	suppressionAddCmd.Flags().StringVar(&suppressionReason, "reason", string(suppression.ReasonUnsubscribed), "Reason: unsubscribed, bounced, complained")
	suppressionAddCmd.Flags().StringArrayVar(&suppressionDetails, "detail", nil, "Detail as key=value (repeatable)")

	suppressionListCmd.Flags().StringVar(&suppressionReason, "reason", "", "Filter by reason")
	suppressionListCmd.Flags().IntVar(&suppressionLimit, "limit", 100, "Maximum number of entries to show")
	suppressionListCmd.Flags().IntVar(&suppressionOffset, "offset", 0, "Number of entries to skip")

	suppressionCmd.AddCommand(suppressionAddCmd, suppressionRemoveCmd, suppressionCheckCmd, suppressionListCmd)
	rootCmd.AddCommand(suppressionCmd)
}

// openRegistry opens storage and returns a registry over it
func openRegistry(ctx context.Context) (*suppression.Registry, *storage.Stores, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	stores, err := openStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return suppression.NewRegistry(stores.Suppressions, logger), stores, nil
}

func parseDetails(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	details := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid detail %q (use key=value)", p)
		}
		details[k] = v
	}
	return details, nil
}

func runSuppressionAdd(cmd *cobra.Command, args []string) error {
	reason, err := suppression.ParseReason(suppressionReason)
	if err != nil {
		return err
	}
	details, err := parseDetails(suppressionDetails)
	if err != nil {
		return err
	}

	ctx := context.Background()
	registry, stores, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	entry, err := registry.Add(ctx, args[0], args[1], reason, details)
	if err != nil {
		return fmt.Errorf("failed to add suppression: %w", err)
	}

	fmt.Printf("Suppressed %s for tenant %s (%s)\n", entry.Email, entry.TenantID, entry.Reason)
	return nil
}

func runSuppressionRemove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	registry, stores, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	if err := registry.Remove(ctx, args[0], args[1]); err != nil {
		return fmt.Errorf("failed to remove suppression: %w", err)
	}

	fmt.Printf("Removed suppression of %s for tenant %s\n", args[1], args[0])
	return nil
}

func runSuppressionCheck(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	registry, stores, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	statuses, err := registry.Check(ctx, args[0], args[1:])
	if err != nil {
		return fmt.Errorf("failed to check suppressions: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tSUPPRESSED\tREASON\tSCOPE")
	fmt.Fprintln(w, "-----\t----------\t------\t-----")
	for email, st := range statuses {
		reason, scope := "-", "-"
		if st.Suppressed {
			reason = string(st.Reason)
			scope = "tenant"
			if st.Global {
				scope = "global"
			}
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", email, st.Suppressed, reason, scope)
	}
	return w.Flush()
}

func runSuppressionList(cmd *cobra.Command, args []string) error {
	q := suppression.EntryQuery{
		Limit:  suppressionLimit,
		Offset: suppressionOffset,
	}
	if len(args) == 1 {
		q.TenantID = args[0]
	}
	if suppressionReason != "" {
		reason, err := suppression.ParseReason(suppressionReason)
		if err != nil {
			return err
		}
		q.Reason = reason
	}

	ctx := context.Background()
	registry, stores, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer stores.Close()

	entries, err := registry.List(ctx, q)
	if err != nil {
		return fmt.Errorf("failed to list suppressions: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No suppressions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tEMAIL\tREASON\tCREATED")
	fmt.Fprintln(w, "------\t-----\t------\t-------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.TenantID, e.Email, e.Reason, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
