package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"device-auth-service/internal/service"
)

func newSessionCmd(opts *options) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and change a device session",
	}

	simple := func(use, short, done string, fn func(cmd *cobra.Command, d *service.Device) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDevice(opts, func(d *service.Device) error {
					if err := fn(cmd, d); err != nil {
						return err
					}
					if done != "" {
						fmt.Fprintln(cmd.OutOrStdout(), done)
					}
					return nil
				})
			},
		}
	}

	var (
		enabled bool
		timeout time.Duration
	)
	settings := &cobra.Command{
		Use:   "settings",
		Short: "Change the idle timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(opts, func(d *service.Device) error {
				ctx := cmd.Context()
				if cmd.Flags().Changed("enabled") {
					if err := d.Session.SetTimeoutEnabled(ctx, enabled); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("timeout") {
					if err := d.Session.SetTimeoutDuration(ctx, timeout); err != nil {
						return err
					}
				}
				return printSession(cmd, opts, d)
			})
		},
	}
	settings.Flags().BoolVar(&enabled, "enabled", true, "enable the idle timeout")
	settings.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "idle timeout: 1m, 5m, 15m, 30m or 1h")

	sessionCmd.AddCommand(
		simple("status", "Show the session state", "", func(cmd *cobra.Command, d *service.Device) error {
			return printSession(cmd, opts, d)
		}),
		simple("activity", "Record user activity now", "Activity recorded.", func(cmd *cobra.Command, d *service.Device) error {
			return d.Session.UpdateLastActivityTime(cmd.Context())
		}),
		simple("foreground", "Run the app-foreground check", "", func(cmd *cobra.Command, d *service.Device) error {
			reauth, err := d.Session.OnAppForeground(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reauth_required=%t\n", reauth)
			return nil
		}),
		simple("background", "Run the app-background hook", "Session timer stopped.", func(cmd *cobra.Command, d *service.Device) error {
			d.Session.OnAppBackground()
			return nil
		}),
		simple("lock", "Lock the session", "Session locked.", func(cmd *cobra.Command, d *service.Device) error {
			return d.Session.LockSession(cmd.Context())
		}),
		simple("clear", "Log out: forget activity and unlock, keeping settings", "Session cleared.", func(cmd *cobra.Command, d *service.Device) error {
			return d.Session.ClearSession(cmd.Context())
		}),
		settings,
	)
	return sessionCmd
}

func printSession(cmd *cobra.Command, opts *options, d *service.Device) error {
	state, err := d.Session.State(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "locked=%t\n", state.Locked)
	fmt.Fprintf(out, "timeout_enabled=%t\n", state.TimeoutEnabled)
	fmt.Fprintf(out, "timeout=%s\n", state.TimeoutDuration)
	if state.LastActivityAt.IsZero() {
		fmt.Fprintln(out, "last_activity=never")
		return nil
	}
	now := opts.clock.Now()
	fmt.Fprintf(out, "last_activity=%s\n", state.LastActivityAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(out, "expired=%t\n", state.ExpiredAt(now))
	if state.TimeoutEnabled {
		fmt.Fprintf(out, "remaining=%s\n", state.RemainingAt(now).Round(time.Second))
	}
	return nil
}
