package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show working copy state and recent operations",
	Long: `Show the branch and cleanliness of both working copies plus the
most recent mutation operations.

Examples:
  shipctl status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := getJSON("/api/v1/status", 2*time.Minute, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check shipgated server health",
	Long: `Check the health status of the shipgated HTTP server.

Examples:
  shipctl health
  shipctl health --server http://localhost:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Status string `json:"status"`
		}
		if err := getJSON("/health", 5*time.Second, &out); err != nil {
			return err
		}
		fmt.Printf("Server Status: %s\n", out.Status)
		fmt.Printf("Server URL: %s\n", serverURL)
		return nil
	},
}
