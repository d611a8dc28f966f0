package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"coldcaller-telephony/internal/auth"
	"coldcaller-telephony/internal/events"
	"coldcaller-telephony/internal/registry"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newMonitorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the health monitor in the foreground until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRegistry(cmd, func(ctx context.Context, reg *registry.Registry) error {
				unsubscribe := a.bus.SubscribeAll(func(e events.Event) { printEvent(a.out, e) })
				defer unsubscribe()

				if _, err := reg.Active(); err != nil {
					color.New(color.FgYellow).Fprintln(a.out, "No active configuration; checks will fail until one is set")
				}
				reg.StartMonitoring()
				<-ctx.Done()
				reg.StopMonitoring()
				return nil
			})
		},
	}
	cmd.Flags().Duration("interval", 30*time.Second, "Health check interval")
	cmd.Flags().Int("threshold", 3, "Consecutive failures before recovery starts")
	return cmd
}

func printEvent(w io.Writer, e events.Event) {
	ts := e.Timestamp.Local().Format("15:04:05")
	c := color.New(color.FgCyan)
	switch e.Type {
	case events.ConnectionFailure, events.RecoveryFailed:
		c = color.New(color.FgRed)
	case events.RecoveryAttempt:
		c = color.New(color.FgYellow)
	case events.RecoverySuccessful:
		c = color.New(color.FgGreen)
	}
	detail := ""
	if msg, ok := e.Payload["message"].(string); ok && msg != "" {
		detail = " " + msg
	}
	if res, ok := e.Payload["result"].(registry.TestResult); ok {
		detail = fmt.Sprintf(" %s %dms %s", result(res.Success), res.LatencyMs, res.Message)
	}
	c.Fprintf(w, "%s %-22s %s%s\n", ts, e.Type, e.Source, detail)
}

func newHashPasswordCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for an AUTH_OPERATORS entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, hash)
			return nil
		},
	}
}
