package main

import (
	"errors"
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/chaz8081/winkctl/internal/server"
	"github.com/chaz8081/winkctl/internal/state"
)

func newUpdateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for and install Wink Module firmware",
	}
	cmd.AddCommand(
		newUpdateCheckCommand(opts),
		newUpdateInstallCommand(opts),
		newUpdateDeclineCommand(opts),
		newUpdateDismissCommand(opts),
	)
	return cmd
}

func newUpdateCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compare the module firmware with the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res server.CheckResult
			if err := c.post(cmd.Context(), "/update/check", nil, &res); err != nil {
				return err
			}
			table := uitable.New()
			table.MaxColWidth = 80
			table.Wrap = true
			table.AddRow("INSTALLED:", res.Installed)
			table.AddRow("AVAILABLE:", res.Available)
			if res.Upgrade {
				table.AddRow("CHANGES:", res.Description)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			if res.Upgrade {
				fmt.Fprintln(cmd.OutOrStdout(), "\nAn update is available. Run `winkctl update install` to install it.")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "\nFirmware is up to date.")
			}
			return nil
		},
	}
}

func newUpdateInstallCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the offered firmware update and follow its progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.status(cmd.Context())
			if err != nil {
				return err
			}
			if st.Update.Phase != state.UpdatePrompt {
				var res server.CheckResult
				if err := c.post(cmd.Context(), "/update/check", nil, &res); err != nil {
					return err
				}
				if !res.Upgrade {
					fmt.Fprintln(cmd.OutOrStdout(), "Firmware is up to date.")
					return nil
				}
			}
			if err := c.post(cmd.Context(), "/update/accept", nil, nil); err != nil {
				return err
			}

			var last state.Update
			lastLine := ""
			err = c.watch(cmd.Context(), func(st server.Status) bool {
				last = st.Update
				if line := updateLine(st.Update); line != lastLine {
					fmt.Fprintln(cmd.OutOrStdout(), line)
					lastLine = line
				}
				// prompt and accepted are the only non-terminal phases here.
				return st.Update.Phase == state.UpdatePrompt || st.Update.Phase == state.UpdateAccepted
			})
			if err != nil {
				return err
			}
			switch last.Phase {
			case state.UpdateClosed:
			case state.UpdateFailed:
				return errors.New("update failed: " + last.Error)
			default:
				return fmt.Errorf("update ended in phase %q", last.Phase)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Update complete. The Wink Module is restarting.")
			return nil
		},
	}
}

func newUpdateDeclineCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decline",
		Short: "Decline the offered update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res map[string]string
			if err := c.post(cmd.Context(), "/update/decline", nil, &res); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res["notice"])
			return nil
		},
	}
}

func newUpdateDismissCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss",
		Short: "Close a declined or failed update",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			return c.post(cmd.Context(), "/update/dismiss", nil, nil)
		},
	}
}
