package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hitsmaxft/cc-proxy/internal/config"
)

const (
	AppName = "cc-proxy"
	Version = "0.3.0"
)

var (
	logger  *slog.Logger
	homeDir string
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger = slog.New(handler)

	var err error
	homeDir, err = os.UserHomeDir()
	if err != nil {
		logger.Error("Failed to get home directory", "error", err)
		os.Exit(1)
	}

	baseDir = filepath.Join(homeDir, "."+AppName)
	cfgMgr = config.NewManagerInDir(baseDir)
}

var rootCmd = &cobra.Command{
	Use:     AppName,
	Short:   "cc-proxy - protocol-translating LLM gateway",
	Long:    `A gateway that accepts Anthropic Messages API requests and dispatches them to chat-completions or native Anthropic backends, translating both request and streaming response formats.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (JSON or YAML)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(configCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// applyConfigFlag swaps the manager to an explicit config path when
// the -c flag is set.
func applyConfigFlag(cmd *cobra.Command) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfgMgr = config.NewManager(path)
	}
}

func ensureConfigExists() error {
	if !cfgMgr.Exists() {
		color.Yellow("Configuration not found at %s", cfgMgr.GetPath())
		fmt.Printf("Run '%s config init' to set up your configuration\n", AppName)
		return fmt.Errorf("configuration required")
	}
	return nil
}
