// llm-relay manages the gateway's account pools from the command line:
// adding accounts through the vendor OAuth flows, listing them, and
// removing them again. The relay itself is a library; this binary only
// operates on the shared account storage.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagData   string
)

var rootCmd = &cobra.Command{
	Use:          "llm-relay",
	Short:        "Manage accounts for the llm-relay gateway",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the config file (default $XDG_CONFIG_HOME/llm-relay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagData, "data", "", "path to the account storage file (default $XDG_CONFIG_HOME/llm-relay/accounts.json)")

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newAccountsCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRemoveAccountCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot locate config directory: %w", err)
	}
	return filepath.Join(base, "llm-relay"), nil
}

func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func dataPath() (string, error) {
	if flagData != "" {
		return flagData, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "accounts.json"), nil
}
