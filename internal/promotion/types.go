package promotion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/shipgate/internal/gitrepo"
)

var (
	// ErrMergeFailed indicates the promotion merge conflicted or errored.
	// The merge is aborted before this propagates; recoverable.
	ErrMergeFailed = errors.New("promotion merge failed")

	// ErrPostMergePush indicates the merge succeeded locally but the push
	// to the production remote failed. Fatal: automation must not reset a
	// half-pushed branch, so this requires operator intervention.
	ErrPostMergePush = errors.New("post-merge push failed: production requires operator intervention")

	// ErrCommitNotInHistory indicates a rollback target is not reachable
	// from the production branch.
	ErrCommitNotInHistory = errors.New("commit not in production history")
)

// SafetyError carries every violated precondition at once.
type SafetyError struct {
	Issues []string
}

// Error implements error.
func (e *SafetyError) Error() string {
	return fmt.Sprintf("safety checks failed: %s", strings.Join(e.Issues, "; "))
}

// FileStatus classifies a file in a promotion diff.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileDeleted  FileStatus = "deleted"
)

// DiffFile is one file's divergence between staging and production.
type DiffFile struct {
	Path      string     `json:"path"`
	Status    FileStatus `json:"status"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
}

// Diff is a read-only snapshot of staging/production divergence,
// recomputed on every call.
type Diff struct {
	AheadCount  int                    `json:"aheadCount"`
	BehindCount int                    `json:"behindCount"`
	Files       []DiffFile             `json:"files"`
	Commits     []gitrepo.CommitRecord `json:"commits"`
}

// SafetyCheckResult is a pure function of repository state at call time.
type SafetyCheckResult struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}

// PromoteRequest asks for a staging → production promotion.
type PromoteRequest struct {
	PerformedBy string `json:"performedBy"`
	Message     string `json:"message"`
}

// RollbackRequest asks for a destructive production rollback. Manual
// escape hatch only, never part of the automated pipeline.
type RollbackRequest struct {
	ToCommit    string `json:"toCommit"`
	PerformedBy string `json:"performedBy"`
}

// PromotionRecord is the artifact of a successful promotion. It lives on
// as the production merge commit; nothing else persists it.
type PromotionRecord struct {
	PerformedBy     string `json:"performedBy"`
	Message         string `json:"message"`
	FilesChanged    int    `json:"filesChanged"`
	Insertions      int    `json:"insertions"`
	Deletions       int    `json:"deletions"`
	CommitsPromoted int    `json:"commitsPromoted"`
}
