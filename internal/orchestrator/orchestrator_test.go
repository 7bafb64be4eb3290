package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipgate/internal/events"
	"github.com/fyrsmithlabs/shipgate/internal/execx"
	"github.com/fyrsmithlabs/shipgate/internal/gitrepo"
	"github.com/fyrsmithlabs/shipgate/internal/migration"
	"github.com/fyrsmithlabs/shipgate/internal/mutation"
	"github.com/fyrsmithlabs/shipgate/internal/policy"
	"github.com/fyrsmithlabs/shipgate/internal/testgate"
)

type fakeEngine struct {
	err    error
	result *mutation.Result
}

func (f *fakeEngine) Apply(_ context.Context, batch []mutation.FileChange) (*mutation.Result, error) {
	if f.err != nil {
		return &mutation.Result{}, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &mutation.Result{Success: true}, nil
}

type fakeRepo struct {
	commitErr     error
	commitLands   bool // the commit is created even though commitErr is returned
	revertErr     error
	commits       []string
	reverted      []string
	resets        []string
	discardCalled int
}

func (f *fakeRepo) Head() (string, error) {
	return fmt.Sprintf("head-%d", len(f.commits)), nil
}

func (f *fakeRepo) Commit(_ context.Context, message string, files []string, _ gitrepo.Author) (*gitrepo.CommitRecord, error) {
	if f.commitErr != nil {
		if f.commitLands {
			f.commits = append(f.commits, fmt.Sprintf("hash-%d", len(f.commits)))
		}
		return nil, f.commitErr
	}
	hash := fmt.Sprintf("hash-%d", len(f.commits))
	f.commits = append(f.commits, hash)
	return &gitrepo.CommitRecord{Hash: hash, Message: message, FilesTouched: files}, nil
}

func (f *fakeRepo) ResetHard(_ context.Context, hash string) error {
	f.resets = append(f.resets, hash)
	if n := len(f.commits); n > 0 {
		f.commits = f.commits[:n-1]
	}
	return nil
}

func (f *fakeRepo) RevertCommit(_ context.Context, hash string, _ gitrepo.Author) error {
	if f.revertErr != nil {
		return f.revertErr
	}
	f.reverted = append(f.reverted, hash)
	return nil
}

func (f *fakeRepo) DiscardAllChanges(context.Context) error {
	f.discardCalled++
	return nil
}

type fakeGate struct {
	outcome *testgate.Outcome
	err     error
	calls   int
}

func (f *fakeGate) Run(context.Context, testgate.Config) (*testgate.Outcome, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

type fakeMigrator struct {
	result *migration.Result
	names  []string
}

func (f *fakeMigrator) HandleSchemaChange(_ context.Context, name string) *migration.Result {
	f.names = append(f.names, name)
	return f.result
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) steps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Step + ":" + string(ev.Phase)
	}
	return out
}

func passingGate() *fakeGate {
	return &fakeGate{outcome: &testgate.Outcome{Success: true, Passed: 5, Total: 5}}
}

func newTestOrchestrator(t *testing.T, engine *fakeEngine, repo *fakeRepo, gate *fakeGate, mig *fakeMigrator, sink events.Sink) *Orchestrator {
	t.Helper()
	var migIface Migrator
	if mig != nil {
		migIface = mig
	}
	o, err := New(engine, repo, gate, migIface, testgate.Config{Unit: true}, sink, nil, nil)
	require.NoError(t, err)
	return o
}

func basicRequest() ChangeRequest {
	return ChangeRequest{
		Description: "Add welcome banner",
		FileChanges: []mutation.FileChange{
			{Path: "src/routes/+page.svelte", NewContent: "x", CreateIfMissing: true},
		},
		Author: gitrepo.Author{Name: "Agent", Email: "agent@example.com"},
	}
}

func TestRun_HappyPath(t *testing.T) {
	repo := &fakeRepo{}
	sink := &recordingSink{}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, passingGate(), nil, sink)

	res := o.Run(context.Background(), basicRequest())

	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.Succeeded())
	assert.Equal(t, FailureNone, res.Failure)
	require.NotNil(t, res.Commit)
	assert.Empty(t, repo.reverted)
	assert.Equal(t, []string{
		"mutate:started", "mutate:ok",
		"commit:started", "commit:ok",
		"test:started", "test:ok",
		"pipeline:done",
	}, sink.steps())
}

func TestRun_PolicyViolation(t *testing.T) {
	repo := &fakeRepo{}
	engine := &fakeEngine{err: fmt.Errorf("batch rejected: %w", policy.ErrProtectedPath)}
	o := newTestOrchestrator(t, engine, repo, passingGate(), nil, events.NopSink{})

	res := o.Run(context.Background(), basicRequest())

	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, FailurePolicy, res.Failure)
	assert.Zero(t, repo.discardCalled)
	assert.Empty(t, repo.commits)
}

func TestRun_MutationFailureReturnsToIdle(t *testing.T) {
	repo := &fakeRepo{}
	engine := &fakeEngine{err: errors.New("disk full")}
	o := newTestOrchestrator(t, engine, repo, passingGate(), nil, events.NopSink{})

	res := o.Run(context.Background(), basicRequest())

	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, FailureMutation, res.Failure)
	assert.Contains(t, res.Error, "disk full")
	// The engine rolled itself back; the orchestrator must not discard.
	assert.Zero(t, repo.discardCalled)
}

func TestRun_SchemaChangeTriggersMigration(t *testing.T) {
	repo := &fakeRepo{}
	mig := &fakeMigrator{result: &migration.Result{Success: true}}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, passingGate(), mig, events.NopSink{})

	req := basicRequest()
	req.Description = "Add orders table"
	req.FileChanges = append(req.FileChanges, mutation.FileChange{
		Path: "prisma/schema.prisma", NewContent: "model Order {}",
	})
	res := o.Run(context.Background(), req)

	assert.Equal(t, StateDone, res.State)
	require.Len(t, mig.names, 1)
	assert.Equal(t, "add_orders_table", mig.names[0])
}

func TestRun_MigrationFailureDiscardsChanges(t *testing.T) {
	repo := &fakeRepo{}
	mig := &fakeMigrator{result: &migration.Result{
		Steps: []migration.Step{{Name: "validate", Ok: false, Err: "schema invalid"}},
	}}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, passingGate(), mig, events.NopSink{})

	req := basicRequest()
	req.FileChanges = []mutation.FileChange{{Path: "prisma/schema.prisma", NewContent: "bad"}}
	res := o.Run(context.Background(), req)

	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, FailureMigration, res.Failure)
	assert.Contains(t, res.Error, "schema invalid")
	assert.Equal(t, 1, repo.discardCalled)
	assert.Empty(t, repo.commits)
}

func TestRun_TestFailureRevertsCommitOnce(t *testing.T) {
	repo := &fakeRepo{}
	gate := &fakeGate{outcome: &testgate.Outcome{Success: false, Passed: 8, Failed: 2, Total: 10}}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, gate, nil, events.NopSink{})

	res := o.Run(context.Background(), basicRequest())

	assert.Equal(t, StateRolledBack, res.State)
	assert.Equal(t, FailureTests, res.Failure)
	require.Len(t, repo.commits, 1)
	assert.Equal(t, []string{repo.commits[0]}, repo.reverted)
	assert.Zero(t, repo.discardCalled)
}

func TestRun_InconclusiveTestsRollBack(t *testing.T) {
	repo := &fakeRepo{}
	gate := &fakeGate{outcome: &testgate.Outcome{Success: false, Total: 0, Inconclusive: true, ErrorText: "unparseable"}}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, gate, nil, events.NopSink{})

	res := o.Run(context.Background(), basicRequest())

	assert.Equal(t, StateRolledBack, res.State)
	require.Len(t, repo.reverted, 1)
}

func TestRun_SkipTestsBypassesGate(t *testing.T) {
	repo := &fakeRepo{}
	gate := &fakeGate{outcome: &testgate.Outcome{Success: false}}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, gate, nil, events.NopSink{})

	req := basicRequest()
	req.SkipTests = true
	res := o.Run(context.Background(), req)

	assert.Equal(t, StateDone, res.State)
	assert.Zero(t, gate.calls)
	assert.Empty(t, repo.reverted)
}

func TestRun_CommitFailureDiscards(t *testing.T) {
	repo := &fakeRepo{commitErr: gitrepo.ErrNothingToCommit}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, passingGate(), nil, events.NopSink{})

	res := o.Run(context.Background(), basicRequest())

	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, FailureCommit, res.Failure)
	assert.Equal(t, 1, repo.discardCalled)
}

func TestRun_CommitLandingDespiteTimeoutIsReset(t *testing.T) {
	// A slow git commit can finish successfully and still overrun its
	// timeout. The run must fail AND the stray commit must not survive
	// on staging; a plain discard would keep it.
	repo := &fakeRepo{
		commitErr:   fmt.Errorf("%w: git finished after 90s (limit 60s)", execx.ErrTimeout),
		commitLands: true,
	}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, passingGate(), nil, events.NopSink{})

	res := o.Run(context.Background(), basicRequest())

	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, FailureCommit, res.Failure)
	assert.Equal(t, []string{"head-0"}, repo.resets)
	assert.Equal(t, 1, repo.discardCalled)
	assert.Empty(t, repo.reverted)
}

func TestRun_RevertFailureSurfacesBothErrors(t *testing.T) {
	repo := &fakeRepo{revertErr: errors.New("revert conflict")}
	gate := &fakeGate{outcome: &testgate.Outcome{Success: false, Failed: 1, Total: 1, ErrorText: "boom"}}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, gate, nil, events.NopSink{})

	res := o.Run(context.Background(), basicRequest())

	assert.Equal(t, StateRolledBack, res.State)
	assert.Contains(t, res.Error, "boom")
	assert.Contains(t, res.Error, "revert conflict")
}

func TestMigrationName(t *testing.T) {
	assert.Equal(t, "add_orders_table", migrationName("Add orders table"))
	assert.Equal(t, "schema_change", migrationName("!!!"))
	assert.Equal(t, "fix_bug_42", migrationName("Fix bug #42"))
}

func TestRun_SerializesRuns(t *testing.T) {
	repo := &fakeRepo{}
	o := newTestOrchestrator(t, &fakeEngine{}, repo, passingGate(), nil, events.NopSink{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Run(context.Background(), basicRequest())
		}()
	}
	wg.Wait()

	assert.Len(t, repo.commits, 4)
}
