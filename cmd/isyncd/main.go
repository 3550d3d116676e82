package main

import (
	"fmt"
	"os"

	"github.com/imaryza/isync/internal/daemon"
	"github.com/imaryza/isync/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	var (
		sessionFlag string
		console     bool
	)

	root := &cobra.Command{
		Use:           "isyncd",
		Short:         "Offline document sync and chat daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionName := session.Resolve(sessionFlag)
			if err := session.ValidateName(sessionName); err != nil {
				return err
			}

			app := fx.New(
				daemon.Module(daemon.Params{SessionName: sessionName, Console: console}),
				fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
					return &fxevent.ZapLogger{Logger: l.Named("fx")}
				}),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	root.Flags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	root.Flags().BoolVar(&console, "console", false, "also log to stderr")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
