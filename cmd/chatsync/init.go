package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initSelfID  string
	initBaseURL string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initSelfID, "self-id", "", "Account id of the signed-in user (required)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Chat backend URL")
	_ = initCmd.MarkFlagRequired("self-id")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing your session token and account id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.SelfID = initSelfID
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session saved to %s\n", path)
		return nil
	},
}
