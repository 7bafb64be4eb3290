// Package main implements the shipctl CLI for manual operations against
// the shipgated HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the shipgated HTTP server
	serverURL string
	// version information
	version = "dev"
)

// Exit codes mirror the pipeline's terminal states so shell callers can
// branch without parsing JSON.
const (
	exitRejected   = 2 // rejected before anything reached the tree
	exitRolledBack = 3 // committed then rolled back by the test gate
	exitFatal      = 4 // daemon unreachable or left in a state needing an operator
)

// exitCodeError carries a process exit code through cobra's error path.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shipctl",
	Short: "CLI for shipgate pipeline and promotion operations",
	Long: `shipctl is a command-line interface for the shipgated daemon.
It submits change requests, inspects staging/production divergence, and
drives promotions and rollbacks.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "shipgated server URL")
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(checksCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
}

func httpClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// getJSON performs a GET and decodes the response into out.
func getJSON(path string, timeout time.Duration, out any) error {
	url := serverURL + path
	resp, err := httpClient(timeout).Get(url)
	if err != nil {
		return &exitCodeError{code: exitFatal, err: fmt.Errorf("failed to connect to %s: %w", url, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &exitCodeError{code: exitFatal,
			err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// postJSON performs a POST and returns the status code and raw body.
func postJSON(path string, timeout time.Duration, payload any) (int, []byte, error) {
	reqJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + path
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient(timeout).Do(req)
	if err != nil {
		return 0, nil, &exitCodeError{code: exitFatal,
			err: fmt.Errorf("failed to send request to %s: %w", url, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// printJSON renders a decoded value as indented JSON.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// printIndented re-indents a JSON body for terminal output.
func printIndented(body []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(buf.String())
}
