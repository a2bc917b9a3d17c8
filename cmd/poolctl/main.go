package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var baseURL string

var rootCmd = &cobra.Command{
	Use:   "poolctl <command>",
	Short: "Inspect and control the account rotation pool",
	Long: `poolctl talks to a running acctproxyd over its control surface.

Examples:
  poolctl status                  # Show pool status
  poolctl status --json           # Show pool status as JSON
  poolctl enable work-account     # Clear an account back to available
  poolctl disable work-account    # Take an account out of rotation
  poolctl refresh work-account    # Force an immediate token refresh`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "addr", "http://127.0.0.1:8080", "acctproxyd control address")
}
