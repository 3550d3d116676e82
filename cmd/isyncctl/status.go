package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/imaryza/isync/internal/api"
	"github.com/imaryza/isync/internal/lock"
	"github.com/imaryza/isync/internal/session"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, link and queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					outputJSON(st)
					return nil
				}
				printStatus(st)
				return nil
			})
		},
	}
}

func printStatus(st *api.StatusResponse) {
	uptime := time.Duration(st.UptimeMs) * time.Millisecond
	fmt.Printf("Session:   %s", st.Session)
	if h, err := lock.Inspect(session.Dir(st.Session)); err == nil && h != nil {
		fmt.Printf(" (pid %d)", h.PID)
	}
	fmt.Println()
	fmt.Printf("Started:   %s (up %s)\n", humanize.Time(st.StartedAt), uptime.Round(time.Second))

	fmt.Printf("Link:      %s", st.Link.Phase)
	if st.Link.ReconnectScheduled {
		fmt.Print(", reconnect scheduled")
	}
	fmt.Printf(", %s pending\n", humanize.Comma(int64(st.Link.Pending)))

	d := st.Documents
	fmt.Printf("Documents: %s total, %s synced, %s unsynced, %s rejected\n",
		humanize.Comma(int64(d.Total)), humanize.Comma(int64(d.Synced)),
		humanize.Comma(int64(d.Unsynced)), humanize.Comma(int64(d.Rejected)))

	if st.LastPass != nil {
		fmt.Printf("Last pass: %s (%d synced, %d failed)\n", humanize.Time(st.LastPass.At), st.LastPass.Synced, st.LastPass.Failed)
	} else {
		fmt.Println("Last pass: never")
	}
	if st.TokenExpiry != nil {
		verb := "expires"
		if st.TokenExpiry.Before(time.Now()) {
			verb = "expired"
		}
		fmt.Printf("Token:     %s %s\n", verb, humanize.Time(*st.TokenExpiry))
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) error {
				if err := c.Ping(ctx); err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
}
