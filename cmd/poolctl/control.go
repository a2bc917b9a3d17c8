package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <account>",
	Short: "Clear an account back to available",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunner("/control/enable"),
}

var disableCmd = &cobra.Command{
	Use:   "disable <account>",
	Short: "Take an account out of rotation",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunner("/control/disable"),
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <account>",
	Short: "Force an immediate token refresh",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunner("/control/force-refresh"),
}

func init() {
	rootCmd.AddCommand(enableCmd, disableCmd, refreshCmd)
}

func controlRunner(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		u := baseURL + path + "?account=" + url.QueryEscape(args[0])
		resp, err := http.Post(u, "application/json", nil)
		if err != nil {
			return fmt.Errorf("reaching acctproxyd: %w", err)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("acctproxyd returned %d: %s", resp.StatusCode, body)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	}
}
