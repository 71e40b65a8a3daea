package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"vaulthost/internal/client"
	"vaulthost/internal/logging"
)

type watchOptions struct {
	server  string
	token   string
	vaultID string
	types   []string
}

func newWatchCommand() *cobra.Command {
	var options watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live notifications for one vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(options.token) == "" {
				options.token = os.Getenv("VAULTHOST_TOKEN")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, options, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&options.server, "server", "http://127.0.0.1:8080", "Server base URL")
	cmd.Flags().StringVar(&options.token, "token", "", "Auth token (env: VAULTHOST_TOKEN)")
	cmd.Flags().StringVar(&options.vaultID, "vault", "", "Vault ID to watch")
	cmd.Flags().StringSliceVar(&options.types, "type", nil, "Only print these notification types")
	_ = cmd.MarkFlagRequired("vault")
	return cmd
}

func runWatch(ctx context.Context, options watchOptions, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(64), logging.LevelWarning, errOut)
	session, err := client.NewSession(client.SessionOptions{
		BaseURL: options.server,
		Token:   options.token,
		VaultID: options.vaultID,
		Types:   options.types,
		Logger:  logger,
		OnNotification: func(notification client.Notification) {
			fmt.Fprintln(out, formatNotification(notification))
		},
		OnStateChange: func(state client.State) {
			fmt.Fprintf(errOut, "session %s\n", state)
		},
		OnReconnect: func(attempt int) {
			fmt.Fprintf(errOut, "reconnected after %d attempt(s); refetch open files\n", attempt)
		},
	})
	if err != nil {
		return err
	}
	err = session.Run(ctx)
	if errors.Is(err, client.ErrVaultClosed) {
		return nil
	}
	return err
}

func formatNotification(notification client.Notification) string {
	at := notification.Timestamp.Local().Format("15:04:05.000")
	switch notification.Type {
	case "file_changed":
		if notification.EventType == "renamed" {
			return fmt.Sprintf("%s renamed  %s -> %s", at, notification.From, notification.To)
		}
		return fmt.Sprintf("%s %-8s %s", at, notification.EventType, notification.Path)
	case "conflict":
		return fmt.Sprintf("%s conflict %s (copy kept at %s)", at, notification.Path, notification.BackupPath)
	default:
		if notification.Message != "" {
			return fmt.Sprintf("%s %s: %s", at, notification.Type, notification.Message)
		}
		return fmt.Sprintf("%s %s", at, notification.Type)
	}
}
