package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/docchat/backend/pkg/config"
	"github.com/docchat/backend/pkg/logger"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "docchat",
	Short: "Chat with your PDF documents in English and Azerbaijani",
	Long: `docchat ingests PDF and HTML documents, indexes their text with embeddings
and answers questions about them in chat sessions, citing the pages used.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (default: ./config.yaml)")
}

// loadConfig reads the configuration and initializes the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
