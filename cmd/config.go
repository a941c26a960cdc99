package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hitsmaxft/cc-proxy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for provider details.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	applyConfigFlag(cmd)

	color.Blue("%s Configuration Setup", AppName)
	color.Yellow("Follow the prompts to configure your first provider.")

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("\nProvider name (e.g., openrouter, openai): ")
	providerName, _ := reader.ReadString('\n')
	providerName = strings.TrimSpace(providerName)

	fmt.Print("Provider kind [foreign/native] (default foreign): ")
	kind, _ := reader.ReadString('\n')
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = config.KindForeign
	}

	fmt.Print("API key: ")
	apiKey, _ := reader.ReadString('\n')
	apiKey = strings.TrimSpace(apiKey)

	fmt.Print("Base URL: ")
	baseURL, _ := reader.ReadString('\n')
	baseURL = strings.TrimSpace(baseURL)

	fmt.Print("Big-tier model (opus-class requests): ")
	bigModel, _ := reader.ReadString('\n')
	bigModel = strings.TrimSpace(bigModel)

	fmt.Print("Small-tier model (haiku-class requests, optional): ")
	smallModel, _ := reader.ReadString('\n')
	smallModel = strings.TrimSpace(smallModel)

	fmt.Print("Gateway API key (optional, for inbound authentication): ")
	gatewayKey, _ := reader.ReadString('\n')
	gatewayKey = strings.TrimSpace(gatewayKey)

	provider := config.Provider{
		Name:    providerName,
		Kind:    kind,
		BaseURL: baseURL,
		APIKey:  apiKey,
	}
	if bigModel != "" {
		provider.BigModels = []string{bigModel}
	}
	if smallModel != "" {
		provider.SmallModels = []string{smallModel}
	}

	cfg := &config.Config{
		Host:      config.DefaultHost,
		Port:      config.DefaultPort,
		APIKey:    gatewayKey,
		Providers: []config.Provider{provider},
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the gateway with: %s start", AppName)

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	applyConfigFlag(cmd)

	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run '%s config init' to create one.", AppName)
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-15s: %s\n", "API Key", maskString(cfg.APIKey))
	fmt.Printf("  %-15s: %s\n", "History DB", orUnset(cfg.DBFile))
	fmt.Printf("  %-15s: %d/%d\n", "Token Limits", cfg.MinTokensLimit, cfg.MaxTokensLimit)
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")
	for _, provider := range cfg.Providers {
		fmt.Printf("  - Name: %s\n", provider.Name)
		fmt.Printf("    Kind: %s\n", orDefault(provider.Kind, config.KindForeign))
		fmt.Printf("    Base URL: %s\n", provider.BaseURL)
		fmt.Printf("    API Key: %s\n", maskString(provider.APIKey))
		if len(provider.BigModels) > 0 {
			fmt.Printf("    Big Models: %v\n", provider.BigModels)
		}
		if len(provider.MiddleModels) > 0 {
			fmt.Printf("    Middle Models: %v\n", provider.MiddleModels)
		}
		if len(provider.SmallModels) > 0 {
			fmt.Printf("    Small Models: %v\n", provider.SmallModels)
		}
		if len(provider.Models) > 0 {
			fmt.Printf("    Models: %v\n", provider.Models)
		}
		fmt.Println()
	}

	if len(cfg.Transformers) > 0 {
		fmt.Println("Transformers:")
		for name, tc := range cfg.Transformers {
			state := "enabled"
			if !tc.IsEnabled() {
				state = "disabled"
			}
			fmt.Printf("  - %s (%s)\n", name, state)
		}
	}

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	applyConfigFlag(cmd)

	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		color.Red("Configuration validation failed:")
		fmt.Printf("  - %v\n", err)
		return fmt.Errorf("configuration validation failed")
	}

	if err := cfg.Validate(); err != nil {
		color.Red("Configuration validation failed:")
		fmt.Printf("  - %v\n", err)
		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")
	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

func orUnset(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
