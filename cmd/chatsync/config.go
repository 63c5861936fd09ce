package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change chatsync settings",
	Long:  "Inspect the effective engine settings or change one value in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Long:  "Print every setting the engine will run with. Unset values show the engine default.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		rows, err := effectiveSettings(cfg)
		if err != nil {
			return err
		}
		for _, r := range rows {
			fmt.Printf("%-28s %-36s %s\n", r.key, r.value, r.source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation. The result must still form a valid engine config.\nExample: chatsync config set engine.seen_interval 2s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := applySetting(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Set %s = %s\n", args[0], args[1])
		return nil
	},
}

// applySetting sets key and rejects the change if the engine could not run
// with the result. cfg is left untouched on error.
func applySetting(cfg *Config, key, value string) error {
	next := *cfg
	if err := setConfigValue(&next, key, value); err != nil {
		return err
	}
	if _, err := engineConfig(&next); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*cfg = next
	return nil
}

type setting struct {
	key, value, source string
}

// effectiveSettings resolves cfg the way openSession does.
func effectiveSettings(cfg *Config) ([]setting, error) {
	ec, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eff := ec.WithDefaults()
	state, err := statePath(cfg)
	if err != nil {
		return nil, err
	}
	from := func(set bool) string {
		if set {
			return "config"
		}
		return "default"
	}
	token := "(none)"
	if cfg.Auth.Token != "" {
		token = maskKey(cfg.Auth.Token)
	}
	return []setting{
		{"default.base_url", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL), from(cfg.Default.BaseURL != "")},
		{"default.state_dir", state, from(cfg.Default.StateDir != "")},
		{"auth.token", token, from(cfg.Auth.Token != "")},
		{"auth.self_id", valueOrDefault(cfg.Auth.SelfID, "(none)"), from(cfg.Auth.SelfID != "")},
		{"engine.page_size", fmt.Sprint(eff.PageSize), from(ec.PageSize > 0)},
		{"engine.permission_debounce", eff.PermissionDebounce.String(), from(ec.PermissionDebounce > 0)},
		{"engine.seen_interval", eff.SeenInterval.String(), from(ec.SeenInterval > 0)},
	}, nil
}
