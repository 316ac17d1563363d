package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"device-auth-service/internal/pin"
	"device-auth-service/internal/service"
)

// errVerifyFailed makes a rejected PIN exit non-zero after the message is printed.
var errVerifyFailed = errors.New("verification failed")

func newPinCmd(opts *options) *cobra.Command {
	pinCmd := &cobra.Command{
		Use:   "pin",
		Short: "Set, verify or clear a device PIN",
	}

	pinCmd.AddCommand(
		&cobra.Command{
			Use:   "set <pin> <confirm>",
			Short: "Set the PIN; both entries must match",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDevice(opts, func(d *service.Device) error {
					ctx := cmd.Context()
					if _, err := d.Setup.Enter(ctx, args[0]); err != nil {
						return err
					}
					step, err := d.Setup.Enter(ctx, args[1])
					if err != nil {
						return err
					}
					if step == pin.StepMismatch {
						return errors.New("PINs did not match")
					}
					fmt.Fprintln(cmd.OutOrStdout(), "PIN set.")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "verify <pin>",
			Short: "Check a PIN and update the attempt counter",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDevice(opts, func(d *service.Device) error {
					return printPinResult(cmd, d.Vault.VerifyPin(cmd.Context(), args[0]))
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored PIN",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDevice(opts, func(d *service.Device) error {
					if err := d.Vault.ClearPin(cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "PIN cleared.")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether a PIN is set",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDevice(opts, func(d *service.Device) error {
					has, err := d.Vault.HasPin(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "pin_set=%t\n", has)
					return nil
				})
			},
		},
	)
	return pinCmd
}

func printPinResult(cmd *cobra.Command, res pin.VerifyResult) error {
	fmt.Fprintln(cmd.OutOrStdout(), res.Message())
	switch r := res.(type) {
	case pin.Success:
		return nil
	case pin.Failure:
		return r.Err
	default:
		return errVerifyFailed
	}
}
