package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/events"
	"github.com/fyrsmithlabs/shipgate/internal/gitrepo"
	"github.com/fyrsmithlabs/shipgate/internal/migration"
	"github.com/fyrsmithlabs/shipgate/internal/mutation"
	"github.com/fyrsmithlabs/shipgate/internal/policy"
	"github.com/fyrsmithlabs/shipgate/internal/testgate"
)

const instrumentationName = "github.com/fyrsmithlabs/shipgate/internal/orchestrator"

// MutationEngine applies file change batches.
type MutationEngine interface {
	Apply(ctx context.Context, batch []mutation.FileChange) (*mutation.Result, error)
}

// Repo is the subset of repository operations the pipeline needs.
type Repo interface {
	Head() (string, error)
	Commit(ctx context.Context, message string, files []string, author gitrepo.Author) (*gitrepo.CommitRecord, error)
	RevertCommit(ctx context.Context, hash string, author gitrepo.Author) error
	ResetHard(ctx context.Context, hash string) error
	DiscardAllChanges(ctx context.Context) error
}

// TestRunner gates commits on test outcomes.
type TestRunner interface {
	Run(ctx context.Context, cfg testgate.Config) (*testgate.Outcome, error)
}

// Migrator runs the schema migration sequence.
type Migrator interface {
	HandleSchemaChange(ctx context.Context, name string) *migration.Result
}

// Orchestrator sequences mutation → migration (conditional) → commit →
// test gate, rolling the commit back when tests fail. One run holds the
// interlock's modification lock for its whole duration.
type Orchestrator struct {
	engine   MutationEngine
	repo     Repo
	gate     TestRunner
	migrator Migrator
	tests    testgate.Config
	sink     events.Sink
	lock     *Interlock
	logger   *zap.Logger

	tracer     trace.Tracer
	meter      metric.Meter
	runCounter metric.Int64Counter
}

// New creates an orchestrator. sink may be nil (events dropped); lock may
// be nil when the caller provides no promotion manager.
func New(engine MutationEngine, repo Repo, gate TestRunner, migrator Migrator,
	tests testgate.Config, sink events.Sink, lock *Interlock, logger *zap.Logger) (*Orchestrator, error) {

	if engine == nil {
		return nil, errors.New("mutation engine is required")
	}
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if gate == nil {
		return nil, errors.New("test gate is required")
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if lock == nil {
		lock = NewInterlock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		engine:   engine,
		repo:     repo,
		gate:     gate,
		migrator: migrator,
		tests:    tests,
		sink:     sink,
		lock:     lock,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	var err error
	o.runCounter, err = o.meter.Int64Counter(
		"shipgate.pipeline.runs_total",
		metric.WithDescription("Total pipeline runs by final state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		o.logger.Warn("failed to create run counter", zap.Error(err))
	}

	return o, nil
}

// Interlock exposes the shared lock pair so a promotion manager can be
// wired against the same staging copy.
func (o *Orchestrator) Interlock() *Interlock {
	return o.lock
}

// Run executes one change request end to end.
//
// Failure transitions: mutation failure returns to Idle (the engine rolled
// itself back); migration or commit failure discards all working-copy
// changes and returns to Idle; test failure reverts the commit and lands in
// RolledBack with history preserved. Done is reached only when tests pass
// or the caller explicitly skipped them.
func (o *Orchestrator) Run(ctx context.Context, req ChangeRequest) *RunResult {
	o.lock.LockModify()
	defer o.lock.UnlockModify()

	ctx, span := o.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	res := &RunResult{RunID: uuid.New().String(), State: StateIdle}
	span.SetAttributes(
		attribute.String("run_id", res.RunID),
		attribute.Int("file_changes", len(req.FileChanges)),
		attribute.Bool("skip_tests", req.SkipTests),
	)

	defer func() {
		if o.runCounter != nil {
			o.runCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("state", string(res.State)),
				attribute.String("failure", string(res.Failure)),
			))
		}
	}()

	// Mutate.
	res.State = StateMutating
	events.Emit(ctx, o.sink, res.RunID, "mutate", events.PhaseStarted, map[string]any{
		"files": len(req.FileChanges),
	})
	mutRes, err := o.engine.Apply(ctx, req.FileChanges)
	res.Mutation = mutRes
	if err != nil {
		kind := FailureMutation
		if errors.Is(err, policy.ErrProtectedPath) {
			kind = FailurePolicy
		}
		return o.fail(ctx, span, res, StateIdle, kind, "mutate", err)
	}
	events.Emit(ctx, o.sink, res.RunID, "mutate", events.PhaseOK, nil)

	// Migrate when the schema definition changed.
	if name, changed := schemaChange(req); changed {
		res.State = StateMigrating
		events.Emit(ctx, o.sink, res.RunID, "migrate", events.PhaseStarted, map[string]any{
			"name": name,
		})
		if o.migrator == nil {
			err := errors.New("schema changed but no migrator is configured")
			o.discard(ctx, res)
			return o.fail(ctx, span, res, StateIdle, FailureMigration, "migrate", err)
		}
		migRes := o.migrator.HandleSchemaChange(ctx, name)
		res.Migration = migRes
		if !migRes.Success {
			o.discard(ctx, res)
			return o.fail(ctx, span, res, StateIdle, FailureMigration, "migrate",
				fmt.Errorf("migration failed: %s", lastStepError(migRes)))
		}
		events.Emit(ctx, o.sink, res.RunID, "migrate", events.PhaseOK, nil)
	}

	// Commit.
	res.State = StateCommitting
	events.Emit(ctx, o.sink, res.RunID, "commit", events.PhaseStarted, nil)
	preHead, preHeadErr := o.repo.Head()
	commit, err := o.repo.Commit(ctx, req.Description, changePaths(req), req.Author)
	if err != nil {
		o.undoCommitStep(ctx, res, preHead, preHeadErr)
		return o.fail(ctx, span, res, StateIdle, FailureCommit, "commit", err)
	}
	res.Commit = commit
	events.Emit(ctx, o.sink, res.RunID, "commit", events.PhaseOK, map[string]any{
		"hash": commit.Hash,
	})

	// Test, unless the caller declared the skip.
	if !req.SkipTests {
		res.State = StateTesting
		events.Emit(ctx, o.sink, res.RunID, "test", events.PhaseStarted, nil)
		outcome, err := o.gate.Run(ctx, o.tests)
		res.Tests = outcome
		if err != nil || !outcome.Success {
			if err == nil {
				err = fmt.Errorf("tests failed: %d failed of %d (%s)",
					outcome.Failed, outcome.Total, outcome.ErrorText)
			}
			if revertErr := o.repo.RevertCommit(ctx, commit.Hash, req.Author); revertErr != nil {
				err = fmt.Errorf("%w; revert also failed: %v", err, revertErr)
			}
			return o.fail(ctx, span, res, StateRolledBack, FailureTests, "test", err)
		}
		events.Emit(ctx, o.sink, res.RunID, "test", events.PhaseOK, map[string]any{
			"passed": outcome.Passed,
			"total":  outcome.Total,
		})
	}

	res.State = StateDone
	events.Emit(ctx, o.sink, res.RunID, "pipeline", events.PhaseDone, map[string]any{
		"commit": commit.Hash,
	})
	o.logger.Info("pipeline run complete",
		zap.String("run_id", res.RunID),
		zap.String("commit", commit.Hash),
	)
	return res
}

// fail stamps the result, emits the failure event and records the span
// status. The original error text is preserved verbatim.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, res *RunResult,
	state State, kind FailureKind, step string, err error) *RunResult {

	res.State = state
	res.Failure = kind
	res.Error = err.Error()

	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	events.Emit(ctx, o.sink, res.RunID, step, events.PhaseFailed, map[string]any{
		"kind":  string(kind),
		"error": err.Error(),
	})
	o.logger.Error("pipeline run failed",
		zap.String("run_id", res.RunID),
		zap.String("step", step),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	return res
}

// undoCommitStep cleans up after a failed commit step. A commit can land
// even when the step reports an error (a slow git subprocess overruns its
// timeout after committing), so when HEAD advanced the stray commit is
// reset away before the working copy is discarded; discarding alone would
// keep the commit while the run reports failure.
func (o *Orchestrator) undoCommitStep(ctx context.Context, res *RunResult, preHead string, preHeadErr error) {
	if preHeadErr == nil {
		if head, headErr := o.repo.Head(); headErr == nil && head != preHead {
			o.logger.Warn("commit step failed but HEAD advanced, resetting",
				zap.String("run_id", res.RunID),
				zap.String("head", head),
			)
			if err := o.repo.ResetHard(ctx, preHead); err != nil {
				o.logger.Error("failed to reset stray commit",
					zap.String("run_id", res.RunID),
					zap.Error(err),
				)
			}
		}
	}
	o.discard(ctx, res)
}

// discard resets the working copy after a failure that happened before any
// commit existed.
func (o *Orchestrator) discard(ctx context.Context, res *RunResult) {
	if err := o.repo.DiscardAllChanges(ctx); err != nil {
		o.logger.Error("failed to discard working copy changes",
			zap.String("run_id", res.RunID),
			zap.Error(err),
		)
	}
}

// schemaChange reports whether the request touches the schema definition
// and derives the migration name from the request description.
func schemaChange(req ChangeRequest) (string, bool) {
	for _, ch := range req.FileChanges {
		if migration.IsSchemaChange(ch.Path) {
			return migrationName(req.Description), true
		}
	}
	return "", false
}

// migrationName slugs a request description into a migration identifier.
func migrationName(description string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(description) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "_"):
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "schema_change"
	}
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}

func changePaths(req ChangeRequest) []string {
	paths := make([]string, 0, len(req.FileChanges))
	for _, ch := range req.FileChanges {
		paths = append(paths, policy.Normalize(ch.Path))
	}
	return paths
}

func lastStepError(res *migration.Result) string {
	if len(res.Steps) == 0 {
		return "no steps executed"
	}
	last := res.Steps[len(res.Steps)-1]
	return fmt.Sprintf("step %s: %s", last.Name, last.Err)
}
