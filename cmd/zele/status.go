package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		if cfg.Store.Disabled {
			fmt.Println("  Store:     disabled")
		} else {
			fmt.Printf("  Store:     %s\n", valueOrDefault(cfg.Store.Dir, "~/.zele/store"))
		}

		s, err := newSession()
		if err != nil {
			return nil
		}
		defer s.close()

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		convs, err := s.client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		groups, err := s.client.Groups.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching groups: %v\n", err)
			return nil
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Groups:        %d\n", len(groups))
		return nil
	},
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
