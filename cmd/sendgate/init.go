package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendgate/internal/auth"
)

var (
	initHostname   string
	initOutput     string
	initAPIKey     string
	initAdminEmail string
	initAdminPass  string
	initDataDir    string
	initBackend    string
	initDSN        string
	initRedisURL   string
	initForce      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Sendgate configuration",
	Long: `Create a Sendgate configuration file.

Missing values are prompted for. The API key and the admin password are
generated when not provided; the password is stored as a bcrypt hash.

Examples:
  # Interactive mode
  sendgate init

  # Non-interactive
  sendgate init --hostname gate.example.com --admin-email admin@example.com -o sendgate.yaml

  # Shared state for several instances
  sendgate init --backend postgres --dsn postgres://sendgate@db/sendgate --redis-url redis://cache:6379/0`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initHostname, "hostname", "", "Server hostname (default: system hostname)")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initAdminEmail, "admin-email", "", "Admin login email")
	initCmd.Flags().StringVar(&initAdminPass, "admin-pass", "", "Admin password (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/sendgate", "Data directory")
	initCmd.Flags().StringVar(&initBackend, "backend", "bolt", "Storage backend: bolt, postgres")
	initCmd.Flags().StringVar(&initDSN, "dsn", "", "PostgreSQL DSN (postgres backend)")
	initCmd.Flags().StringVar(&initRedisURL, "redis-url", "", "Redis URL for shared login rate limits")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Sendgate Configuration Wizard")
	fmt.Println("=============================")
	fmt.Println()

	if _, err := os.Stat(initOutput); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
	}

	if initHostname == "" {
		hostname, _ := os.Hostname()
		initHostname = prompt(reader, "Server hostname", hostname)
	}

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initBackend == "postgres" && initDSN == "" {
		initDSN = prompt(reader, "PostgreSQL DSN", "")
		if initDSN == "" {
			return fmt.Errorf("dsn is required for the postgres backend")
		}
	}

	if initAdminEmail == "" {
		initAdminEmail = prompt(reader, "Admin email (empty to skip)", "")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
	}

	passwordHash := ""
	if initAdminEmail != "" {
		if initAdminPass == "" {
			initAdminPass = generateRandomString(16)
		}
		hash, err := auth.HashPassword(initAdminPass)
		if err != nil {
			return err
		}
		passwordHash = hash
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig(passwordHash)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Configuration written to %s\n\n", initOutput)
	fmt.Printf("API key: %s\n", initAPIKey)
	if initAdminEmail != "" {
		fmt.Printf("Admin:   %s / %s\n", initAdminEmail, initAdminPass)
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Validate: sendgate config validate -c %s\n", initOutput)
	fmt.Printf("  2. Start:    sendgate serve -c %s\n", initOutput)

	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig(passwordHash string) string {
	storageSection := fmt.Sprintf(`storage:
  backend: bolt
  path: "%s/sendgate.db"`, initDataDir)
	if initBackend == "postgres" {
		storageSection = fmt.Sprintf(`storage:
  backend: postgres
  dsn: "%s"
  path: "%s/sendgate.db"  # quota counters
  max_open_conns: 10`, initDSN, initDataDir)
	}

	rateLimitSection := `rate_limit:
  backend: memory`
	if initRedisURL != "" {
		rateLimitSection = fmt.Sprintf(`rate_limit:
  backend: redis
  redis_url: "%s"`, initRedisURL)
	}
	rateLimitSection += `
  email:
    max_requests: 3
    window: 30m
    lockout_multiplier: 2
  ip:
    max_requests: 10
    window: 30m
    lockout_multiplier: 2`

	authSection := `auth:
  users: []`
	if passwordHash != "" {
		authSection = fmt.Sprintf(`auth:
  users:
    - email: "%s"
      password_hash: "%s"`, initAdminEmail, passwordHash)
	}

	return fmt.Sprintf(`# Sendgate configuration
# Generated by: sendgate init

server:
  hostname: "%s"

api:
  listen_addr: ":8080"
  api_key: "%s"

%s

%s

quota:
  default_domain:
    messages_per_hour: 1000
    messages_per_day: 10000

presend:
  spam_error_threshold: 60
  spam_warning_threshold: 30

health:
  sweep_interval: 24h
  min_volume: 100

dns:
  dkim_selector: "sendgate"

%s

logging:
  level: info
  format: json

metrics:
  enabled: true
  listen_addr: ":9090"
`, initHostname, initAPIKey, storageSection, rateLimitSection, authSection)
}
