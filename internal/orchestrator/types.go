package orchestrator

import (
	"sync"

	"github.com/fyrsmithlabs/shipgate/internal/gitrepo"
	"github.com/fyrsmithlabs/shipgate/internal/migration"
	"github.com/fyrsmithlabs/shipgate/internal/mutation"
	"github.com/fyrsmithlabs/shipgate/internal/testgate"
)

// State is the pipeline state machine position.
type State string

const (
	StateIdle       State = "idle"
	StateMutating   State = "mutating"
	StateMigrating  State = "migrating"
	StateCommitting State = "committing"
	StateTesting    State = "testing"
	StateDone       State = "done"
	StateRolledBack State = "rolled_back"
)

// FailureKind discriminates why a run failed.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailurePolicy    FailureKind = "policy_violation"
	FailureMutation  FailureKind = "mutation_failed"
	FailureMigration FailureKind = "migration_failed"
	FailureCommit    FailureKind = "commit_failed"
	FailureTests     FailureKind = "tests_failed"
)

// ChangeRequest is the input contract from the change-producer. The core
// never parses natural language; FileChanges carry already-decided content.
type ChangeRequest struct {
	Description string                `json:"description"`
	FileChanges []mutation.FileChange `json:"fileChanges"`

	// SkipTests is a caller-declared flag; the pipeline never infers it.
	SkipTests bool `json:"skipTests"`

	Author gitrepo.Author `json:"author"`
}

// RunResult reports one pipeline run.
type RunResult struct {
	RunID   string      `json:"runId"`
	State   State       `json:"state"`
	Failure FailureKind `json:"failure,omitempty"`

	// Error carries the original tool error text, never masked.
	Error string `json:"error,omitempty"`

	Mutation  *mutation.Result      `json:"mutation,omitempty"`
	Migration *migration.Result     `json:"migration,omitempty"`
	Commit    *gitrepo.CommitRecord `json:"commit,omitempty"`
	Tests     *testgate.Outcome     `json:"tests,omitempty"`
}

// Succeeded reports whether the run reached Done.
func (r *RunResult) Succeeded() bool {
	return r.State == StateDone
}

// Interlock serializes pipeline runs and promotions against the staging
// working copy. Lock order is fixed (modify before promote) so a caller
// needing both can never deadlock against another.
type Interlock struct {
	modify  sync.Mutex
	promote sync.Mutex
}

// NewInterlock creates the shared lock pair.
func NewInterlock() *Interlock {
	return &Interlock{}
}

// LockModify serializes "one pipeline run at a time".
func (i *Interlock) LockModify() { i.modify.Lock() }

// UnlockModify releases the modification lock.
func (i *Interlock) UnlockModify() { i.modify.Unlock() }

// LockBoth acquires both locks in the fixed global order, for operations
// that must exclude modifications and promotions at once.
func (i *Interlock) LockBoth() {
	i.modify.Lock()
	i.promote.Lock()
}

// UnlockBoth releases both locks.
func (i *Interlock) UnlockBoth() {
	i.promote.Unlock()
	i.modify.Unlock()
}
