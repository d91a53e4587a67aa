package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/citewalk/content-pipeline/internal/config"
	"github.com/citewalk/content-pipeline/internal/queue"
	"github.com/citewalk/content-pipeline/internal/storage"
)

var (
	dbPath     string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "pipelinectl",
	Short: "Operate the content pipeline's job queue, search index and graph",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetLevel(logrus.WarnLevel)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the pipeline database (default: DATABASE_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// loadConfig reads the same environment the server does, with flags on top
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	return cfg, nil
}

// openQueue opens the record store and the job queue that lives in it
func openQueue(cfg *config.Config) (*storage.SQLiteStore, *queue.SQLiteQueue, error) {
	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		return nil, nil, fmt.Errorf("database not found at %s", cfg.DatabasePath)
	}

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.NewSQLiteQueue(store.Conn(), queue.Options{MaxAttempts: cfg.JobMaxAttempts})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, q, nil
}
