package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	addr      string
	token     string
	boardName string
)

var rootCmd = &cobra.Command{
	Use:   "boardctl",
	Short: "Operator client for the swboard HTTP control surface",
	Long: `boardctl talks to a running swboard instance over its HTTP control
surface: board status, output writes, enable/disable and channel tables.

Examples:
  boardctl status                                  # Status of every board
  boardctl --board relays set pump=1 valve=off     # Write two outputs
  boardctl --board relays enable off               # Drive OE high
  boardctl --board relays pins table.json          # Replace the channel table`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "http://127.0.0.1:8095", "control surface base URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", os.Getenv("SWBOARD_TOKEN"), "access token (defaults to $SWBOARD_TOKEN)")
	rootCmd.PersistentFlags().StringVarP(&boardName, "board", "b", "", "board name")
}

func needBoard() error {
	if boardName == "" {
		return fmt.Errorf("--board is required for this command")
	}
	return nil
}
