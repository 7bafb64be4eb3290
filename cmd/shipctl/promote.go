package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	promotePerformedBy string
	promoteMessage     string
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show what a promotion would carry",
	Long: `Show the commits and file changes staging holds ahead of production.

Examples:
  shipctl diff`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := getJSON("/api/v1/promotion/diff", 2*time.Minute, &out); err != nil {
			return err
		}
		return printJSON(out)
	},
}

var checksCmd = &cobra.Command{
	Use:   "checks",
	Short: "Run promotion safety checks",
	Long: `Evaluate every promotion precondition and list all violations.

Examples:
  shipctl checks`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Passed bool     `json:"passed"`
			Issues []string `json:"issues"`
		}
		if err := getJSON("/api/v1/promotion/checks", 2*time.Minute, &out); err != nil {
			return err
		}
		if out.Passed {
			fmt.Println("All safety checks passed.")
			return nil
		}
		fmt.Println("Safety checks failed:")
		for _, issue := range out.Issues {
			fmt.Printf("  - %s\n", issue)
		}
		return &exitCodeError{code: exitRejected, err: fmt.Errorf("%d safety check(s) failed", len(out.Issues))}
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote",
	Short: "Promote staging to production",
	Long: `Merge reviewed staging history into production and push it.

Safety checks run server-side immediately before the merge; a stale green
check from an earlier 'shipctl checks' carries no weight.

Examples:
  shipctl promote --by alice --message "ship search feature"`,
	RunE: runPromote,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <commit>",
	Short: "Roll production back to a prior commit",
	Long: `Hard-reset production to a commit already in its history and
force-push the result. Destructive; use only to back out a bad promotion.

Examples:
  shipctl rollback 4f2c91a --by alice`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	promoteCmd.Flags().StringVar(&promotePerformedBy, "by", "", "who is performing the promotion (required)")
	promoteCmd.Flags().StringVar(&promoteMessage, "message", "", "summary recorded in the merge commit")
	_ = promoteCmd.MarkFlagRequired("by")

	rollbackCmd.Flags().StringVar(&promotePerformedBy, "by", "", "who is performing the rollback")
}

func runPromote(cmd *cobra.Command, args []string) error {
	status, body, err := postJSON("/api/v1/promotion", 10*time.Minute, map[string]string{
		"performedBy": promotePerformedBy,
		"message":     promoteMessage,
	})
	if err != nil {
		return err
	}

	printIndented(body)

	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		return &exitCodeError{code: exitRejected, err: fmt.Errorf("promotion rejected by safety checks")}
	case http.StatusConflict:
		return &exitCodeError{code: exitRejected, err: fmt.Errorf("promotion merge failed and was aborted")}
	default:
		return &exitCodeError{code: exitFatal, err: fmt.Errorf("server returned status %d", status)}
	}
}

func runRollback(cmd *cobra.Command, args []string) error {
	status, body, err := postJSON("/api/v1/promotion/rollback", 5*time.Minute, map[string]string{
		"toCommit":    args[0],
		"performedBy": promotePerformedBy,
	})
	if err != nil {
		return err
	}

	printIndented(body)

	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return &exitCodeError{code: exitRejected, err: fmt.Errorf("commit %s is not in production history", args[0])}
	default:
		return &exitCodeError{code: exitFatal, err: fmt.Errorf("server returned status %d", status)}
	}
}
