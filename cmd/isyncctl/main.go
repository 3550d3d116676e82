package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/imaryza/isync/internal/api"
	"github.com/imaryza/isync/internal/session"
	"github.com/spf13/cobra"
)

var (
	sessionFlag string
	jsonOut     bool
	timeout     time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "isyncctl",
		Short:         "Control a running isyncd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "RPC timeout")

	root.AddCommand(statusCmd())
	root.AddCommand(pingCmd())
	root.AddCommand(docsCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(connectCmd())
	root.AddCommand(disconnectCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func sessionName() (string, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// withClient connects to the session's daemon and runs fn under the RPC
// timeout.
func withClient(fn func(ctx context.Context, c *api.Client) error) error {
	name, err := sessionName()
	if err != nil {
		return err
	}
	c, err := api.Dial(session.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
