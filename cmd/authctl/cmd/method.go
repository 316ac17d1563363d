package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"device-auth-service/internal/models"
	"device-auth-service/internal/service"
	"device-auth-service/internal/stepup"
)

func newMethodCmd(opts *options) *cobra.Command {
	methodCmd := &cobra.Command{
		Use:   "method",
		Short: "Show or choose the step-up authentication method",
	}

	methodCmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the selected method",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDevice(opts, func(d *service.Device) error {
					m, err := d.Auth.Method(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), m)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:       "set <biometric|device_credential|app_pin>",
			Short:     "Select the method",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{string(models.AuthMethodBiometric), string(models.AuthMethodDeviceCredential), string(models.AuthMethodAppPIN)},
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDevice(opts, func(d *service.Device) error {
					if err := d.Auth.SetMethod(cmd.Context(), models.AuthMethod(args[0])); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Method set to %s.\n", args[0])
					return nil
				})
			},
		},
	)
	return methodCmd
}

func newUnlockCmd(opts *options) *cobra.Command {
	var pinInput, outcome string

	unlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "Run one step-up attempt with the selected method",
		Long: `With app_pin the --pin flag is checked. With biometric or device_credential
the platform prompt result is passed in --outcome.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(opts, func(d *service.Device) error {
				ctx := cmd.Context()
				var prompter stepup.Prompter
				if outcome != "" {
					o, err := stepup.ParseReportedOutcome(outcome)
					if err != nil {
						return err
					}
					prompter = stepup.ReportedPrompter{Outcome: o}
				}

				challenge, err := d.Auth.NewChallenge(ctx, prompter)
				if errors.Is(err, stepup.ErrNoStrategy) {
					return fmt.Errorf("%w: pass --outcome", err)
				}
				if err != nil {
					return err
				}

				out, err := challenge.Run(ctx, stepup.Attempt{PIN: pinInput})
				if err != nil {
					return err
				}
				if out.PinResult != nil {
					return printPinResult(cmd, out.PinResult)
				}
				fmt.Fprintln(cmd.OutOrStdout(), out.State)
				if out.State != stepup.StateSucceeded {
					return errVerifyFailed
				}
				return nil
			})
		},
	}
	unlockCmd.Flags().StringVar(&pinInput, "pin", "", "app PIN")
	unlockCmd.Flags().StringVar(&outcome, "outcome", "", "platform prompt outcome: success, failed, canceled, hardware_unavailable, lockout")
	return unlockCmd
}
