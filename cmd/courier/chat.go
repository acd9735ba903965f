package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/ws"
)

const opTimeout = 15 * time.Second

// wsURL turns the relay's HTTP base URL into its WebSocket endpoint.
func wsURL(server string) string {
	u := strings.Replace(server, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimSuffix(u, "/") + "/ws"
}

func newClient() (*ws.Client, error) {
	creds, err := loadCredentials()
	if err != nil {
		return nil, err
	}
	return &ws.Client{RelayURL: wsURL(creds.Server), Token: creds.Token}, nil
}

func printMessage(cmd *cobra.Command, sender, body string, createdAt time.Time) {
	fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", createdAt.Local().Format("15:04:05"), sender, body)
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <recipient> <message>",
		Short: "Send a private message",
		Long:  "Sends one message. The printed line is the relay's echo, carrying the server-assigned timestamp; an offline recipient still gets the message in history.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
			defer cancel()

			done := make(chan error, 3)
			client.OnAuthenticated = func(string) {
				if err := client.Send(ctx, args[0], args[1]); err != nil {
					done <- err
				}
			}
			client.OnMessage = func(msg ws.PrivateMessageEvent) {
				printMessage(cmd, msg.Sender, msg.Body, msg.CreatedAt)
				done <- nil
			}
			client.OnError = func(m string) {
				done <- fmt.Errorf("relay error: %s", m)
			}
			go func() { done <- client.Connect(ctx) }()
			defer client.Close()

			return <-done
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <peer>",
		Short: "Print the full conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
			defer cancel()

			done := make(chan error, 3)
			client.OnAuthenticated = func(string) {
				if err := client.LoadHistory(ctx, args[0]); err != nil {
					done <- err
				}
			}
			client.OnHistory = func(h ws.History) {
				if len(h.Messages) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no messages with %s\n", h.Peer)
				}
				for _, m := range h.Messages {
					printMessage(cmd, m.Sender, m.Body, m.CreatedAt)
				}
				done <- nil
			}
			client.OnError = func(m string) {
				done <- fmt.Errorf("relay error: %s", m)
			}
			go func() { done <- client.Connect(ctx) }()
			defer client.Close()

			return <-done
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print presence changes and incoming messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			client.OnUserList = func(users []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "online: %s\n", strings.Join(users, ", "))
			}
			client.OnMessage = func(msg ws.PrivateMessageEvent) {
				printMessage(cmd, msg.Sender, msg.Body, msg.CreatedAt)
			}
			client.OnError = func(m string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "relay error: %s\n", m)
			}

			err = client.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
