package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendgate/internal/presend"
	"github.com/foxzi/sendgate/internal/spam"
	"github.com/foxzi/sendgate/internal/suppression"
)

var (
	spamSubject     string
	spamHTMLFile    string
	spamTextFile    string
	spamUnsubscribe string
	checkFile       string
)

var spamCmd = &cobra.Command{
	Use:   "spam",
	Short: "Content scoring commands",
}

var spamScoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a message for spam signals",
	Long: `Score a message subject and body for spam signals.

The unsubscribe link is detected from the content unless --unsubscribe
is set to true or false.`,
	RunE: runSpamScore,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the pre-send check for a request",
	Long: `Run the pre-send check against the configured storage.

The request is read as JSON from --file or stdin:
  {"tenant_id": "t1", "domain_id": "d1", "recipients": ["a@example.com"],
   "subject": "Hello", "html_content": "...", "text_content": "...",
   "is_marketing_email": false}`,
	RunE: runCheck,
}

func init() {
	spamScoreCmd.Flags().StringVar(&spamSubject, "subject", "", "Message subject")
	spamScoreCmd.Flags().StringVar(&spamHTMLFile, "html-file", "", "File with the HTML body")
	spamScoreCmd.Flags().StringVar(&spamTextFile, "text-file", "", "File with the text body (default: derived from HTML)")
	spamScoreCmd.Flags().StringVar(&spamUnsubscribe, "unsubscribe", "auto", "Message has an unsubscribe link: auto, true, false")

	checkCmd.Flags().StringVarP(&checkFile, "file", "f", "", "Request file (default: stdin)")

	spamCmd.AddCommand(spamScoreCmd)
	rootCmd.AddCommand(spamCmd, checkCmd)
}

func readOptionalFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func runSpamScore(cmd *cobra.Command, args []string) error {
	html, err := readOptionalFile(spamHTMLFile)
	if err != nil {
		return err
	}
	text, err := readOptionalFile(spamTextFile)
	if err != nil {
		return err
	}
	if text == "" {
		text = spam.ExtractText(html)
	}

	var unsubscribe bool
	switch spamUnsubscribe {
	case "auto":
		unsubscribe = presend.HasUnsubscribe(html) || presend.HasUnsubscribe(text)
	case "true":
		unsubscribe = true
	case "false":
	default:
		return fmt.Errorf("invalid --unsubscribe value %q (use auto, true or false)", spamUnsubscribe)
	}

	res := spam.Score(spamSubject, html, text, unsubscribe)

	fmt.Printf("Spam score: %d/%d\n", res.Score, spam.MaxScore)
	switch {
	case res.Score >= presend.DefaultSpamErrorThreshold:
		fmt.Println("Verdict:    blocked")
	case res.Score >= presend.DefaultSpamWarningThreshold:
		fmt.Println("Verdict:    warning")
	default:
		fmt.Println("Verdict:    ok")
	}
	if len(res.Issues) > 0 {
		fmt.Println("\nIssues:")
		for _, issue := range res.Issues {
			fmt.Printf("  - %s\n", issue)
		}
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	var in io.Reader = os.Stdin
	if checkFile != "" {
		f, err := os.Open(checkFile)
		if err != nil {
			return fmt.Errorf("failed to open request: %w", err)
		}
		defer f.Close()
		in = f
	}

	var req presend.Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

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

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	registry := suppression.NewRegistry(stores.Suppressions, logger)
	checker := presend.NewChecker(stores.Health, registry, cfg.PreSend, nil, logger)

	decision, err := checker.Run(ctx, &req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(decision); err != nil {
		return err
	}
	if !decision.Allowed {
		return fmt.Errorf("send blocked: %d error(s)", len(decision.Errors))
	}
	return nil
}
