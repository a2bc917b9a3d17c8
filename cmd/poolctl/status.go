package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type accountRecord struct {
	Name               string `json:"Name"`
	State              string `json:"State"`
	SecondsUntilExpiry int64  `json:"SecondsUntilExpiry"`
	LastError          string `json:"LastError"`
	InFlightRefresh    bool   `json:"InFlightRefresh"`
}

type poolView struct {
	Counts struct {
		Total       int
		Available   int
		RateLimited int
		AuthError   int
		Disabled    int
	}
	NextName string
	Accounts []accountRecord
}

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(baseURL + "/control/status")
	if err != nil {
		return fmt.Errorf("reaching acctproxyd: %w", err)
	}
	defer resp.Body.Close()

	var v poolView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("decoding status response: %w", err)
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "total=%d available=%d rate_limited=%d auth_error=%d disabled=%d next=%s\n",
		v.Counts.Total, v.Counts.Available, v.Counts.RateLimited, v.Counts.AuthError, v.Counts.Disabled, v.NextName)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tEXPIRES_IN\tIN_FLIGHT\tLAST_ERROR")
	for _, a := range v.Accounts {
		fmt.Fprintf(tw, "%s\t%s\t%ds\t%v\t%s\n", a.Name, a.State, a.SecondsUntilExpiry, a.InFlightRefresh, a.LastError)
	}
	return tw.Flush()
}
