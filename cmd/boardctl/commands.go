package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hubertat/swboard/board"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show board status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(addr, token)

		var statuses []board.Status
		if boardName == "" {
			if err := c.do(cmd.Context(), "GET", "/boards", nil, &statuses); err != nil {
				return err
			}
		} else {
			var st board.Status
			if err := c.do(cmd.Context(), "GET", boardPath(boardName), nil, &st); err != nil {
				return err
			}
			statuses = append(statuses, st)
		}

		for _, st := range statuses {
			printStatus(cmd, st)
		}
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set name=value [name=value...]",
	Short: "Write output values",
	Long: `Write one or more outputs of a board in a single request. Values accept
0/1, on/off and true/false.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := needBoard(); err != nil {
			return err
		}
		values, err := parseAssignments(args)
		if err != nil {
			return err
		}
		return newClient(addr, token).do(cmd.Context(), "POST", boardPath(boardName, "/outputs"), values, nil)
	},
}

var enableCmd = &cobra.Command{
	Use:       "enable on|off",
	Short:     "Enable or disable the register outputs",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := needBoard(); err != nil {
			return err
		}
		enabled, err := board.ToBinary(args[0])
		if err != nil {
			return err
		}
		body := map[string]bool{"enabled": enabled == 1}
		return newClient(addr, token).do(cmd.Context(), "POST", boardPath(boardName, "/enable"), body, nil)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Reset the register chain to all zeros",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := needBoard(); err != nil {
			return err
		}
		return newClient(addr, token).do(cmd.Context(), "POST", boardPath(boardName, "/clear"), nil, nil)
	},
}

var pinsCmd = &cobra.Command{
	Use:   "pins [table.json]",
	Short: "Show or replace the channel table",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := needBoard(); err != nil {
			return err
		}
		c := newClient(addr, token)

		if len(args) == 0 {
			var specs []board.ChannelSpec
			if err := c.do(cmd.Context(), "GET", boardPath(boardName, "/pins"), nil, &specs); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(specs)
		}

		specs, err := readTable(args[0])
		if err != nil {
			return err
		}
		return c.do(cmd.Context(), "PUT", boardPath(boardName, "/pins"), specs, nil)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, setCmd, enableCmd, clearCmd, pinsCmd)
}

// parseAssignments turns name=value arguments into output values.
func parseAssignments(args []string) (map[string]int, error) {
	values := make(map[string]int, len(args))
	for _, arg := range args {
		name, raw, found := strings.Cut(arg, "=")
		if !found || name == "" {
			return nil, errors.Errorf("expected name=value, got %q", arg)
		}
		value, err := board.ToBinary(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "value of %s", name)
		}
		values[name] = value
	}
	return values, nil
}

func readTable(path string) ([]board.ChannelSpec, error) {
	buff, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "can't read channel table")
	}
	var specs []board.ChannelSpec
	if err := json.Unmarshal(buff, &specs); err != nil {
		return nil, errors.Wrapf(err, "failed unmarshalling %s", path)
	}
	return specs, nil
}

func printStatus(cmd *cobra.Command, st board.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s) ready: %t emulation: %t enabled: %t\n", st.Name, st.Kind, st.Ready, st.Emulation, st.Enabled)
	if st.Register != "" {
		fmt.Fprintf(out, "  register: %s\n", st.Register)
	}
	if st.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", st.Error)
	}

	names := make([]string, 0, len(st.Signals))
	for name := range st.Signals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s = %v\n", name, st.Signals[name])
	}
}
