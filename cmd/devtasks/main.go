package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sasa-tomic/openclaw-lxd/internal/config"
	"github.com/sasa-tomic/openclaw-lxd/internal/db"
)

var (
	dbURL      string
	configPath string
	tasksDir   string
	stateDir   string
	logLevel   string

	cfg    *config.Config
	pool   *pgxpool.Pool
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "devtasks",
	Short: "Dev task queue and implement/verify/commit pipeline",
	Long: "devtasks keeps a markdown task queue and drives one task at a time through " +
		"preflight, implementation, verification and commit. It never runs agents itself: " +
		"every command prints a JSON instruction for the executor.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "database URL (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (overrides DEVTASKS_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&tasksDir, "tasks-dir", "", "task queue directory (overrides DEVTASKS_TASKS_DIR)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (overrides DEVTASKS_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides DEVTASKS_LOG_LEVEL)")
}

// firstNonEmpty returns the flag value, then the env var, then def.
func firstNonEmpty(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

// getConfigPath returns the config file from flag, env, or ~/.devtasks/config.yaml.
func getConfigPath() string {
	def := ""
	if home, err := os.UserHomeDir(); err == nil {
		def = filepath.Join(home, ".devtasks", "config.yaml")
	}
	return firstNonEmpty(configPath, "DEVTASKS_CONFIG", def)
}

// loadConfig reads the config file and applies flag and env overrides.
// Call from subcommands before touching any store.
func loadConfig() error {
	c, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	c.TasksDir = firstNonEmpty(tasksDir, "DEVTASKS_TASKS_DIR", c.TasksDir)
	c.StateDir = firstNonEmpty(stateDir, "DEVTASKS_STATE_DIR", c.StateDir)
	c.LogLevel = firstNonEmpty(logLevel, "DEVTASKS_LOG_LEVEL", c.LogLevel)
	c.DatabaseURL = firstNonEmpty(dbURL, "DATABASE_URL", c.DatabaseURL)

	cfg = c
	logger = newLogger(os.Stderr, c.LogLevel)
	slog.SetDefault(logger)
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger writes text logs to w. Stdout is reserved for JSON results.
func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			k := strings.ToLower(a.Key)
			if strings.Contains(k, "password") || strings.Contains(k, "database_url") {
				return slog.String(a.Key, "[REDACTED]")
			}
			return a
		},
	})).With("component", "devtasks")
}

// connectDB initializes the database pool from the loaded config. Call from
// subcommands that need DB access, after loadConfig.
func connectDB() error {
	var url string
	if cfg != nil {
		url = cfg.DatabaseURL
	}
	if url == "" {
		return fmt.Errorf("DATABASE_URL not set (use --db flag, .env or database_url in config)")
	}

	var err error
	pool, err = db.Connect(url)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	return nil
}

// printJSON writes v as indented JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}

	if pool != nil {
		pool.Close()
	}
}
