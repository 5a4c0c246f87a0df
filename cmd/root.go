package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facetag/internal/config"
	"github.com/andresmejia3/facetag/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// needsDB marks commands that open the database before running.
const needsDB = "db"

var (
	// DB is the database connection shared by subcommands annotated with needsDB
	DB *store.Store
	// Cfg is the loaded configuration
	Cfg *config.Config

	configPath string
	dbURL      string
	debug      bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facetag",
	Short:   "Per-track face recognition labels for tracked video",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv("FACETAG_CONFIG")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			cfg.Database.URL = dbURL
		}
		if debug {
			cfg.Recognition.Debug = true
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		Cfg = cfg

		if cmd.Annotations[needsDB] == "" {
			return nil
		}
		return openDB(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The command context may already be cancelled by Ctrl+C
			DB.Close(context.Background())
			DB = nil
		}
	},
}

func openDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	var err error
	DB, err = store.New(ctx, Cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Ctrl+C (SIGINT) or Kill (SIGTERM) cancels the command context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger returns the logger handed to library packages.
func newLogger(tag string) *log.Logger {
	return log.New(os.Stderr, "["+tag+"] ", log.LstdFlags)
}

func init() {
	cobra.OnInitialize(func() {
		_ = godotenv.Load()
	})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default: $FACETAG_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/facetag)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Log every recognition decision")
}
