package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/chaz8081/winkctl/internal/ble/protocol"
	"github.com/chaz8081/winkctl/internal/server"
	"github.com/chaz8081/winkctl/internal/settings"
	"github.com/chaz8081/winkctl/internal/state"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connection, headlight and firmware state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if watch {
				return c.watch(cmd.Context(), func(st server.Status) bool {
					fmt.Fprintln(cmd.OutOrStdout(), statusLine(st))
					return true
				})
			}
			st, err := c.status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), statusTable(st))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream status changes until interrupted")
	return cmd
}

func statusTable(st server.Status) *uitable.Table {
	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true
	table.AddRow("STATUS:", st.Status)
	table.AddRow("CONNECTION:", string(st.Conn))
	if st.DeviceID != "" {
		table.AddRow("MODULE:", fmt.Sprintf("%s (%s)", st.DeviceName, st.DeviceID))
	}
	table.AddRow("AUTO-CONNECT:", onOff(st.AutoConnect))
	table.AddRow("LEFT:", st.Left.String())
	table.AddRow("RIGHT:", st.Right.String())
	table.AddRow("BUSY:", strconv.FormatBool(st.Busy))
	if st.Firmware.Installed != "" {
		table.AddRow("FIRMWARE:", st.Firmware.Installed)
		table.AddRow("AVAILABLE:", st.Firmware.Available)
	}
	if st.Firmware.Description != "" {
		table.AddRow("CHANGES:", st.Firmware.Description)
	}
	if st.Update.Phase != state.UpdateClosed {
		table.AddRow("UPDATE:", updateLine(st.Update))
	}
	if st.Update.Notice != "" {
		table.AddRow("NOTICE:", st.Update.Notice)
	}
	return table
}

func statusLine(st server.Status) string {
	line := fmt.Sprintf("%s | left=%s right=%s busy=%v", st.Status, st.Left, st.Right, st.Busy)
	if st.Update.Phase != state.UpdateClosed {
		line += " | update " + updateLine(st.Update)
	}
	return line
}

func updateLine(u state.Update) string {
	parts := []string{string(u.Phase)}
	if u.Status != "" {
		parts = append(parts, u.Status)
	}
	if u.Stage != "" {
		parts = append(parts, fmt.Sprintf("%s %d%%", u.Stage, u.Progress))
	}
	if u.Error != "" {
		parts = append(parts, "error: "+u.Error)
	}
	return strings.Join(parts, " - ")
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func newScanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan for the Wink Module and connect to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res map[string]string
			if err := c.post(cmd.Context(), "/scan", nil, &res); err != nil {
				var ae *apiError
				if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
					return errors.New("no Wink Module scanned; try scanning again")
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s (%s)\n", res["device_name"], res["device_id"])
			return nil
		},
	}
}

func newDisconnectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect from the Wink Module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			return c.post(cmd.Context(), "/disconnect", nil, nil)
		},
	}
}

func newMoveCommand(opts *rootOptions) *cobra.Command {
	names := make([]string, 0, len(protocol.Commands()))
	for _, c := range protocol.Commands() {
		names = append(names, c.String())
	}
	return &cobra.Command{
		Use:       "move <preset>",
		Short:     "Send a headlight movement preset",
		Long:      "Send a movement preset. Presets: " + strings.Join(names, ", ") + ".",
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := protocol.ParseCommand(args[0]); err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res struct {
				Busy bool `json:"busy"`
			}
			if err := c.post(cmd.Context(), "/move/"+args[0], nil, &res); err != nil {
				return err
			}
			if res.Busy {
				fmt.Fprintln(cmd.OutOrStdout(), "Headlights are busy; command dropped.")
			}
			return nil
		},
	}
}

func newSleepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sleep <left%> [right%]",
		Short: "Set the sleepy-eye position of each headlight",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			left, err := parsePercent(args[0])
			if err != nil {
				return err
			}
			right := left
			if len(args) == 2 {
				if right, err = parsePercent(args[1]); err != nil {
					return err
				}
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			return c.post(cmd.Context(), "/sleep", map[string]int{"left": left, "right": right}, nil)
		},
	}
}

func parsePercent(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(s, "%"))
	if err != nil || n < 0 || n > 100 {
		return 0, fmt.Errorf("invalid position %q: want 0-100", s)
	}
	return n, nil
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Resynchronize both headlights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			return c.post(cmd.Context(), "/sync", nil, nil)
		},
	}
}

func newDeepSleepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deep-sleep",
		Short: "Put the module into long-term sleep and disconnect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.post(cmd.Context(), "/deep-sleep", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Wink Module is entering deep sleep.")
			return nil
		},
	}
}

func newAutoConnectCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "autoconnect <on|off>",
		Short:     "Enable or disable automatic connection at startup",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := args[0]
			if mode != "on" && mode != "off" {
				return fmt.Errorf("invalid mode %q: want on or off", mode)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			err = c.post(cmd.Context(), "/autoconnect/"+mode, nil, nil)
			if !isUnreachable(err) {
				return err
			}

			// No daemon: record the preference for the next start.
			cfg, cerr := opts.config()
			if cerr != nil {
				return cerr
			}
			kv, kerr := settings.Open(cfg.SettingsPath)
			if kerr != nil {
				return kerr
			}
			if err := settings.NewPreferences(kv).SetAutoConnect(mode == "on"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon not running; auto-connect %s saved to %s\n", mode, cfg.SettingsPath)
			return nil
		},
	}
}
