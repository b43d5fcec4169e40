package main

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	zele "github.com/TrunderHunter/fe-appchat-zele-sub000"
)

var configShowReveal bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "Print the auth token unmasked")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage zele configuration",
	Long:  "View or modify the zele CLI configuration stored in ~/.zele/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration with defaults filled in. The auth token is masked unless --reveal is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eff, err := effectiveConfig(cfg, configShowReveal)
		if err != nil {
			return err
		}
		data, err := toml.Marshal(eff)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", path, data)
		if cfg.Auth.Token == "" {
			fmt.Println("# no credentials; run 'zele init <token> <user-id>'")
		}
		return nil
	},
}

// effectiveConfig returns a copy of cfg with defaults applied and, unless
// reveal is set, the token masked.
func effectiveConfig(cfg *Config, reveal bool) (*Config, error) {
	out := *cfg
	out.Default.BaseURL = valueOrDefault(out.Default.BaseURL, zele.DefaultBaseURL)
	out.Default.LogLevel = valueOrDefault(out.Default.LogLevel, "warn")
	if !out.Store.Disabled {
		dir, err := storeDir(cfg)
		if err != nil {
			return nil, err
		}
		out.Store.Dir = dir
	}
	if !reveal && out.Auth.Token != "" {
		out.Auth.Token = maskKey(out.Auth.Token)
	}
	return &out, nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: zele config set store.disabled true",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		shown := args[1]
		if args[0] == "auth.token" {
			shown = maskKey(shown)
		}
		fmt.Printf("%s = %s\n", args[0], shown)
		return nil
	},
}
