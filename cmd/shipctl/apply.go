package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply [file]",
	Short: "Submit a change request to the pipeline",
	Long: `Submit a JSON change request to the shipgated pipeline.

The request body matches POST /api/v1/changes:

  {
    "description": "add search endpoint",
    "fileChanges": [
      {"path": "src/routes/search.ts", "newContent": "...", "createIfMissing": true}
    ],
    "author": {"name": "agent", "email": "agent@example.com"}
  }

Examples:
  # Apply from a file
  shipctl apply change.json

  # Apply from stdin
  cat change.json | shipctl apply -

Exit codes:
  0  committed and verified
  2  rejected before anything reached the tree
  3  committed then rolled back by the test gate
  4  fatal error`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func runApply(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	var payload map[string]any
	if err := json.Unmarshal(content, &payload); err != nil {
		return fmt.Errorf("change request is not valid JSON: %w", err)
	}

	// Pipeline runs include the test gate; allow generous time.
	status, body, err := postJSON("/api/v1/changes", 30*time.Minute, payload)
	if err != nil {
		return err
	}

	printIndented(body)

	switch status {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return &exitCodeError{code: exitRolledBack, err: fmt.Errorf("change was rolled back")}
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return &exitCodeError{code: exitRejected, err: fmt.Errorf("change was rejected")}
	default:
		return &exitCodeError{code: exitFatal, err: fmt.Errorf("server returned status %d", status)}
	}
}
