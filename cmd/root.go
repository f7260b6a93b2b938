package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/lipsync/internal/config"
	"github.com/andresmejia3/lipsync/internal/log"
	"github.com/andresmejia3/lipsync/internal/store"
)

var (
	// Cfg is the loaded configuration shared by subcommands
	Cfg *config.Config
	// DB is the run history connection. It stays nil when no database is configured.
	DB *store.Store

	configPath string
	dbURL      string
	logLevel   string
	logFormat  string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "lipsync",
	Short:   "Lip-sync a face video to an audio track with Wav2Lip",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, resolved, exists, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format = logFormat
		}
		if cmd.Flags().Changed("db") {
			cfg.Database.URL = dbURL
		}
		Cfg = cfg

		log.Init(cfg.Logging.Level, cfg.Logging.Format)
		if exists {
			log.Debug("Loaded config", "path", resolved)
		}
		return nil
	},
}

// closeDB releases the run history connection. Cobra skips post-run hooks when
// a command fails, so this runs from execute instead.
func closeDB() {
	if DB != nil {
		// Use Background here because the main context might be cancelled already (due to Ctrl+C)
		// and we still need to send the "Close" command to the DB.
		DB.Close(context.Background())
		DB = nil
	}
}

func execute(ctx context.Context) error {
	defer closeDB()
	return rootCmd.ExecuteContext(ctx)
}

// openDB connects to the configured database. When required is false a missing
// URL is not an error and DB stays nil.
func openDB(ctx context.Context, required bool) error {
	if Cfg.Database.URL == "" {
		if required {
			return fmt.Errorf("no database configured: pass --db, set DATABASE_URL or POSTGRES_HOST, or edit [database] in the config")
		}
		return nil
	}
	var err error
	// Use the command's context (which will be cancellable) for the connection
	DB, err = store.New(ctx, Cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.config/lipsync/config.toml, then ./lipsync.toml)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for run history")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.SilenceErrors = true
}
