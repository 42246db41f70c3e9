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
	Short: "Show current configuration and chat list",
	Long:  "Display the current configuration and, when a token is set, fetch the live chat list.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		chats, err := client.Chats.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list chats: %w", err)
		}

		fmt.Println()
		fmt.Printf("Chats (%d):\n", len(chats))
		for _, chat := range chats {
			last := "(no messages)"
			if chat.LastMessage != nil {
				last = chat.LastMessage.Content
				if len(last) > 48 {
					last = last[:45] + "..."
				}
			}
			fmt.Printf("  %-24s %-12s %s\n", chat.ID, chat.Type, last)
		}
		return nil
	},
}
