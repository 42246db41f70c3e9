package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nexa "github.com/nexachat/nexa-sdk-go"
	"github.com/spf13/cobra"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "log connection diagnostics")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [chat-id]",
	Short: "Connect to the push channel and tail live events",
	Long:  "Open the real-time channel, optionally join one chat, and print messages, typing and presence events until interrupted.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		var logf func(string, ...interface{})
		if watchVerbose {
			logf = func(format string, a ...interface{}) {
				fmt.Printf("# "+format+"\n", a...)
			}
		}

		rt := nexa.NewRealtimeClient(client, &nexa.RealtimeConfig{
			AutoReconnect: true,
			Logf:          logf,
		})
		engine := nexa.NewSyncManager(client, rt, &nexa.SyncConfig{
			UserID: cfg.Auth.UserID,
			Logf:   logf,
		})
		engine.Bind()

		rt.OnStateChange(func(s nexa.ConnState) {
			fmt.Printf("-- connection: %s\n", s)
		})
		rt.OnMessageReceived(func(m nexa.Message) {
			fmt.Printf("[%s] %s: %s\n", m.ChatID, m.SenderID, m.Content)
		})
		rt.OnTyping(func(p nexa.TypingPayload, start bool) {
			if start {
				fmt.Printf("-- %s is typing in %s\n", p.UserID, p.ChatID)
			}
		})
		rt.OnPresence(func(p nexa.PresencePayload, online bool) {
			state := "offline"
			if online {
				state = "online"
			}
			fmt.Printf("-- %s is %s\n", p.UserID, state)
		})

		ctx := context.Background()
		if err := rt.Initialize(ctx, cfg.Auth.Token); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer rt.Terminate()

		if len(args) == 1 {
			if err := rt.JoinChat(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to join chat: %w", err)
			}
			fmt.Printf("Joined %s. Waiting for events (Ctrl-C to quit)...\n", args[0])
		} else {
			fmt.Println("Connected. Waiting for events (Ctrl-C to quit)...")
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Close(shutdownCtx)
		return nil
	},
}
