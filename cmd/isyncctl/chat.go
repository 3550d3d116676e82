package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/imaryza/isync/internal/api"
	"github.com/imaryza/isync/internal/session"
	"github.com/spf13/cobra"
)

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send and read chat messages",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list <conversation>",
		Short: "Show the most recent messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				msgs, err := c.ListMessages(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(msgs)
					return nil
				}
				for _, m := range msgs {
					who := "them"
					if m.FromMe {
						who = "me"
					}
					fmt.Printf("%-12s %-4s %-9s %s\n", humanize.Time(m.Timestamp), who, m.Status, m.Content)
				}
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 0, "number of messages (daemon default when 0)")

	cmd.AddCommand(&cobra.Command{
		Use:   "send <conversation> <text>...",
		Short: "Send a message; it is queued while offline",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				msg, err := c.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(msg)
					return nil
				}
				fmt.Printf("%s %s\n", msg.ID, msg.Status)
				return nil
			})
		},
	}, list, &cobra.Command{
		Use:   "read <conversation>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				return c.MarkRead(ctx, args[0])
			})
		},
	})
	return cmd
}

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open the real-time connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.Connect(ctx)
				if err != nil {
					return err
				}
				printLink(st)
				return nil
			})
		},
	}
}

func disconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Close the real-time connection until the next connect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.Disconnect(ctx)
				if err != nil {
					return err
				}
				printLink(st)
				return nil
			})
		},
	}
}

func printLink(st *api.LinkState) {
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("%s (%d pending)\n", st.Phase, st.Pending)
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [prefix]",
		Short: "Stream daemon events, optionally only kinds starting with prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			name, err := sessionName()
			if err != nil {
				return err
			}
			c, err := api.Dial(session.SocketPath(name))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = c.WatchEvents(ctx, prefix, func(e api.Event) error {
				if jsonOut {
					outputJSON(e)
					return nil
				}
				fmt.Printf("%s %-28s %s\n", e.Timestamp.Format("15:04:05.000"), e.Kind, e.Payload)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the session's bearer token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <token|->",
		Short: "Store the bearer token; a running daemon picks it up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := sessionName()
			if err != nil {
				return err
			}
			token := args[0]
			if token == "-" {
				if _, err := fmt.Fscan(os.Stdin, &token); err != nil {
					return fmt.Errorf("read token: %w", err)
				}
			}
			if err := session.EnsureDir(name); err != nil {
				return err
			}
			if err := os.WriteFile(session.TokenPath(name), []byte(strings.TrimSpace(token)+"\n"), 0600); err != nil {
				return fmt.Errorf("write token: %w", err)
			}
			fmt.Printf("token written to %s\n", session.TokenPath(name))
			return nil
		},
	})
	return cmd
}
