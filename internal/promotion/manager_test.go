package promotion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/gitrepo"
	"github.com/fyrsmithlabs/shipgate/internal/orchestrator"
)

type fakeRepo struct {
	branch string
	status gitrepo.Status

	aheadOfProd  int
	behindProd   int
	behindRemote int

	commits []gitrepo.CommitRecord
	stats   []gitrepo.FileStat

	fetchErr     error
	pushErr      error
	mergeErr     error
	existing     map[string]bool
	ancestors    map[string]bool
	resetErr     error
	forcePushErr error

	calls []string
}

func (f *fakeRepo) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeRepo) CurrentBranch() (string, error) { return f.branch, nil }

func (f *fakeRepo) Status(ctx context.Context) (*gitrepo.Status, error) {
	st := f.status
	return &st, nil
}

func (f *fakeRepo) Fetch(ctx context.Context, remote string) error {
	f.record("fetch " + remote)
	return f.fetchErr
}

func (f *fakeRepo) AheadBehind(ctx context.Context, refA, refB string) (int, int, error) {
	if strings.HasSuffix(refB, "/"+f.branch) {
		return 0, f.behindRemote, nil
	}
	return f.aheadOfProd, f.behindProd, nil
}

func (f *fakeRepo) CommitsBetween(ctx context.Context, base, tip string) ([]gitrepo.CommitRecord, error) {
	return f.commits, nil
}

func (f *fakeRepo) DiffNumstat(ctx context.Context, refA, refB string) ([]gitrepo.FileStat, error) {
	return f.stats, nil
}

func (f *fakeRepo) Push(ctx context.Context, remote, branch string) error {
	f.record("push " + branch)
	return f.pushErr
}

func (f *fakeRepo) PushForce(ctx context.Context, remote, branch string) error {
	f.record("push-force " + branch)
	return f.forcePushErr
}

func (f *fakeRepo) MergeNoFF(ctx context.Context, ref, message string, author gitrepo.Author) error {
	f.record("merge " + ref)
	return f.mergeErr
}

func (f *fakeRepo) MergeAbort(ctx context.Context) error {
	f.record("merge-abort")
	return nil
}

func (f *fakeRepo) ResetHard(ctx context.Context, hash string) error {
	f.record("reset " + hash)
	return f.resetErr
}

func (f *fakeRepo) CommitExists(hash string) (bool, error) {
	return f.existing[hash], nil
}

func (f *fakeRepo) IsAncestor(ctx context.Context, hash, ref string) (bool, error) {
	return f.ancestors[hash], nil
}

func cleanStaging() *fakeRepo {
	return &fakeRepo{
		branch: "staging",
		status: gitrepo.Status{Branch: "staging", Clean: true},
		aheadOfProd: 2,
		commits: []gitrepo.CommitRecord{
			{Hash: "aaa", Message: "add feature"},
			{Hash: "bbb", Message: "fix bug"},
		},
		stats: []gitrepo.FileStat{
			{Path: "src/new.ts", Additions: 10, Deletions: 0},
			{Path: "src/old.ts", Additions: 0, Deletions: 4},
			{Path: "src/both.ts", Additions: 3, Deletions: 1},
		},
	}
}

func cleanProduction() *fakeRepo {
	return &fakeRepo{
		branch: "main",
		status: gitrepo.Status{Branch: "main", Clean: true},
	}
}

func newTestManager(t *testing.T, staging, production *fakeRepo) *Manager {
	t.Helper()
	m, err := New(staging, production, Config{}, orchestrator.NewInterlock(), nil, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestDiff_ClassifiesFiles(t *testing.T) {
	m := newTestManager(t, cleanStaging(), cleanProduction())

	diff, err := m.Diff(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, diff.AheadCount)
	assert.Len(t, diff.Commits, 2)
	require.Len(t, diff.Files, 3)
	assert.Equal(t, FileAdded, diff.Files[0].Status)
	assert.Equal(t, FileDeleted, diff.Files[1].Status)
	assert.Equal(t, FileModified, diff.Files[2].Status)
}

func TestDiff_IdenticalRefsYieldZeroDiff(t *testing.T) {
	staging := cleanStaging()
	staging.aheadOfProd = 0
	m := newTestManager(t, staging, cleanProduction())

	diff, err := m.Diff(context.Background())
	require.NoError(t, err)

	assert.Zero(t, diff.AheadCount)
	assert.Empty(t, diff.Files)
	assert.Empty(t, diff.Commits)
}

func TestRunSafetyChecks_Passes(t *testing.T) {
	m := newTestManager(t, cleanStaging(), cleanProduction())

	res, err := m.RunSafetyChecks(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Issues)
}

func TestRunSafetyChecks_CollectsAllViolations(t *testing.T) {
	staging := cleanStaging()
	staging.status.Modified = []string{"src/dirty.ts"}
	staging.status.Clean = false
	production := cleanProduction()
	production.branch = "staging"
	m := newTestManager(t, staging, production)

	res, err := m.RunSafetyChecks(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Passed)
	require.Len(t, res.Issues, 2)
	assert.Contains(t, res.Issues[0], "uncommitted tracked changes")
	assert.Contains(t, res.Issues[1], "production is on branch")
}

func TestRunSafetyChecks_StagedNewFileBlocks(t *testing.T) {
	staging := cleanStaging()
	staging.status.Created = []string{"src/added.ts"}
	staging.status.Clean = false
	m := newTestManager(t, staging, cleanProduction())

	res, err := m.RunSafetyChecks(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Passed)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "uncommitted tracked changes")
}

func TestRunSafetyChecks_NothingToPromote(t *testing.T) {
	staging := cleanStaging()
	staging.aheadOfProd = 0
	m := newTestManager(t, staging, cleanProduction())

	res, err := m.RunSafetyChecks(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Passed)
	require.Len(t, res.Issues, 1)
	assert.Contains(t, res.Issues[0], "no commits to promote")
}

func TestRunSafetyChecks_StagingBehindRemote(t *testing.T) {
	staging := cleanStaging()
	staging.behindRemote = 3
	m := newTestManager(t, staging, cleanProduction())

	res, err := m.RunSafetyChecks(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Contains(t, res.Issues[0], "behind its remote")
}

func TestPromote_HappyPath(t *testing.T) {
	staging := cleanStaging()
	production := cleanProduction()
	m := newTestManager(t, staging, production)

	rec, err := m.Promote(context.Background(), PromoteRequest{
		PerformedBy: "agent-1",
		Message:     "ship search feature",
	})
	require.NoError(t, err)

	assert.Equal(t, "agent-1", rec.PerformedBy)
	assert.Equal(t, 2, rec.CommitsPromoted)
	assert.Equal(t, 3, rec.FilesChanged)
	assert.Equal(t, 13, rec.Insertions)
	assert.Equal(t, 5, rec.Deletions)

	assert.Contains(t, staging.calls, "push staging")
	assert.Contains(t, production.calls, "merge origin/staging")
	assert.Contains(t, production.calls, "push main")
	assert.NotContains(t, production.calls, "merge-abort")
}

func TestPromote_SafetyFailureBlocks(t *testing.T) {
	staging := cleanStaging()
	staging.aheadOfProd = 0
	production := cleanProduction()
	m := newTestManager(t, staging, production)

	_, err := m.Promote(context.Background(), PromoteRequest{PerformedBy: "agent-1"})

	var safety *SafetyError
	require.ErrorAs(t, err, &safety)
	assert.NotEmpty(t, safety.Issues)
	assert.Empty(t, production.calls, "production must be untouched when checks fail")
}

func TestPromote_MergeFailureAborts(t *testing.T) {
	staging := cleanStaging()
	production := cleanProduction()
	production.mergeErr = fmt.Errorf("CONFLICT in src/both.ts")
	m := newTestManager(t, staging, production)

	_, err := m.Promote(context.Background(), PromoteRequest{PerformedBy: "agent-1"})

	require.ErrorIs(t, err, ErrMergeFailed)
	assert.Contains(t, production.calls, "merge-abort")
	assert.NotContains(t, production.calls, "push main")
}

func TestPromote_PostMergePushIsFatal(t *testing.T) {
	staging := cleanStaging()
	production := cleanProduction()
	production.pushErr = errors.New("remote hung up")
	m := newTestManager(t, staging, production)

	_, err := m.Promote(context.Background(), PromoteRequest{PerformedBy: "agent-1"})

	require.ErrorIs(t, err, ErrPostMergePush)
	assert.NotContains(t, production.calls, "merge-abort")
	assert.NotContains(t, production.calls, "reset", "a half-pushed branch must never be auto-reset")
}

func TestRollback_RequiresCommitInHistory(t *testing.T) {
	production := cleanProduction()
	production.existing = map[string]bool{"abc123": true}
	production.ancestors = map[string]bool{}
	m := newTestManager(t, cleanStaging(), production)

	err := m.Rollback(context.Background(), RollbackRequest{ToCommit: "abc123"})
	require.ErrorIs(t, err, ErrCommitNotInHistory)

	err = m.Rollback(context.Background(), RollbackRequest{ToCommit: "missing"})
	require.ErrorIs(t, err, ErrCommitNotInHistory)

	assert.Empty(t, production.calls)
}

func TestRollback_ResetsAndForcePushes(t *testing.T) {
	production := cleanProduction()
	production.existing = map[string]bool{"abc123": true}
	production.ancestors = map[string]bool{"abc123": true}
	m := newTestManager(t, cleanStaging(), production)

	err := m.Rollback(context.Background(), RollbackRequest{ToCommit: "abc123", PerformedBy: "oncall"})
	require.NoError(t, err)

	assert.Equal(t, []string{"reset abc123", "push-force main"}, production.calls)
}
