package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/ragserve/configs"
	"github.com/Aman-CERP/ragserve/internal/output"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the ragserve configuration.

Configuration precedence (lowest to highest):
  1. Built-in defaults
  2. User config (~/.config/ragserve/config.yaml)
  3. Project config (./ragserve.yaml)
  4. Environment variables (RAGSERVE_*)

The --config flag bypasses the merge and loads exactly one file.`,
		Example: `  # Write a commented starter config to ./ragserve.yaml
  ragserve config init

  # Show the effective configuration after merging all sources
  ragserve config show

  # Check the configuration without starting anything
  ragserve config validate`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter configuration file",
		Long: `Write the commented starter configuration to ./ragserve.yaml,
or to the given path. The file documents every setting with its
default; uncomment and edit what you need.`,
		Example: `  # Create ./ragserve.yaml
  ragserve config init

  # Create it somewhere else
  ragserve config init /etc/ragserve/config.yaml

  # Overwrite an existing file
  ragserve config init --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "ragserve.yaml"
			if len(args) > 0 {
				target = args[0]
			}
			return runConfigInit(cmd, target, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func runConfigInit(cmd *cobra.Command, target string, force bool) error {
	out := output.New(cmd.OutOrStdout())

	if _, err := os.Stat(target); err == nil && !force {
		out.Warning("Configuration file already exists")
		out.Statusf("📁", "Location: %s", target)
		out.Status("💡", "Use --force to overwrite it")
		return nil
	}

	if err := os.WriteFile(target, []byte(configs.DefaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out.Success("Created configuration file")
	out.Statusf("📁", "Location: %s", target)
	out.Newline()
	out.Status("📋", "Next steps:")
	out.Status("", "  1. Set the embedding provider and any API keys")
	out.Status("", "  2. Run 'ragserve config validate' to check it")
	out.Status("", "  3. Run 'ragserve ingest <dir>' to build a collection")

	return nil
}

func newConfigShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		defaults   bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Show the effective configuration after merging defaults, the
user config, the project config, and RAGSERVE_* environment variables.

With --defaults the commented starter template is printed instead, which
documents every available setting.`,
		Example: `  # Show the merged configuration
  ragserve config show

  # Show it as JSON
  ragserve config show --json

  # Show the annotated defaults
  ragserve config show --defaults`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, jsonOutput, defaults)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Print the commented default template")

	return cmd
}

func runConfigShow(cmd *cobra.Command, jsonOutput, defaults bool) error {
	if defaults {
		if jsonOutput {
			return fmt.Errorf("--defaults prints the YAML template; it cannot be combined with --json")
		}
		fmt.Fprint(cmd.OutOrStdout(), configs.DefaultConfigTemplate)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	out := output.New(cmd.OutOrStdout())
	out.Statusf("📋", "Configuration source: %s", configSourceDesc())
	out.Newline()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	return nil
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without starting anything",
		Long: `Load and validate the configuration, then print the settings
most likely to need attention. Exits non-zero when the configuration
does not load.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigValidate(cmd)
		},
	}
}

func runConfigValidate(cmd *cobra.Command) error {
	out := output.New(cmd.OutOrStdout())

	cfg, err := loadConfig()
	if err != nil {
		out.Errorf("Configuration is invalid: %v", err)
		return fmt.Errorf("configuration is invalid")
	}

	out.Success("Configuration is valid")
	out.Statusf("📁", "Source: %s", configSourceDesc())
	out.Newline()
	out.Statusf("", "data dir:   %s", cfg.Storage.DataDir)
	out.Statusf("", "embedding:  %s (%s, dim %d)", cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimension)
	out.Statusf("", "vector:     %s", cfg.Vector.Backend)
	out.Statusf("", "lexical:    %s", cfg.Lexical.Backend)
	out.Statusf("", "reranker:   %s", cfg.Rerank.Kind)
	out.Statusf("", "llm:        %s", cfg.LLM.Model)
	out.Statusf("", "cache:      %s", cfg.Cache.Backend)
	out.Statusf("", "listen:     %s:%d", cfg.Server.Host, cfg.Server.Port)

	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		out.Newline()
		out.Warning("embedding.api_key is empty and OPENAI_API_KEY is not set")
	}

	return nil
}

// configSourceDesc names where the loaded configuration came from.
func configSourceDesc() string {
	if configPath != "" {
		return configPath
	}
	return "merged (defaults + user + ragserve.yaml + env)"
}
