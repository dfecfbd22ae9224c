package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/chaz8081/winkctl/internal/ble/protocol"
	"github.com/chaz8081/winkctl/internal/server"
)

func newButtonCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "button",
		Short: "Program the OEM retractor button",
	}
	cmd.AddCommand(
		newButtonListCommand(opts),
		newButtonSetCommand(opts),
		newButtonClearCommand(opts),
		newButtonDelayCommand(opts),
	)
	return cmd
}

func parsePresses(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || !protocol.ValidPresses(n) {
		return 0, fmt.Errorf("invalid press count %q: want %d-%d", s, protocol.MinPresses, protocol.MaxPresses)
	}
	return n, nil
}

func behaviorNames() []string {
	var names []string
	for b := protocol.DefaultBehavior; b <= protocol.BehaviorRightWave; b++ {
		names = append(names, b.String())
	}
	return names
}

func newButtonListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored button assignments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var bt server.ButtonTable
			if err := c.do(cmd.Context(), http.MethodGet, "/buttons", nil, &bt); err != nil {
				return err
			}
			table := uitable.New()
			table.AddRow("PRESSES", "BEHAVIOR")
			for _, b := range bt.Buttons {
				table.AddRow(b.Presses, b.Behavior)
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			if bt.DelayMS > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\nPress delay: %dms\n", bt.DelayMS)
			}
			return nil
		},
	}
}

func newButtonSetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <presses> <behavior>",
		Short: "Assign a behavior to a number of button presses",
		Long:  "Assign a behavior to a number of button presses. Behaviors: " + strings.Join(behaviorNames(), ", ") + ".",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parsePresses(args[0])
			if err != nil {
				return err
			}
			if _, err := protocol.ParseBehavior(args[1]); err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			return c.post(cmd.Context(), fmt.Sprintf("/button/%d", n), map[string]string{"behavior": args[1]}, nil)
		},
	}
}

func newButtonClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <presses>",
		Short: "Remove the behavior assigned to a number of presses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parsePresses(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			return c.do(cmd.Context(), http.MethodDelete, fmt.Sprintf("/button/%d", n), nil, nil)
		},
	}
}

func newButtonDelayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delay <duration>",
		Short: "Set the maximum gap between presses of one sequence (e.g. 500ms)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid delay %q: %w", args[0], err)
			}
			if d < protocol.MinButtonDelay {
				return fmt.Errorf("delay must be at least %v", protocol.MinButtonDelay)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			return c.post(cmd.Context(), "/button/delay", map[string]int64{"ms": d.Milliseconds()}, nil)
		},
	}
}
