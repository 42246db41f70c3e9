package main

import (
	"context"
	"fmt"
	"time"

	nexa "github.com/nexachat/nexa-sdk-go"
	"github.com/spf13/cobra"
)

var sendReplyTo string

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id to reply to")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <content>",
	Short: "Send a message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, content := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Messages.Create(ctx, chatID, &nexa.SendMessageRequest{
			Content: content,
			ReplyTo: sendReplyTo,
		})
		if err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}

		fmt.Printf("Sent %s at %s\n", msg.Server, msg.CreatedAt.Format(time.RFC3339))
		return nil
	},
}
