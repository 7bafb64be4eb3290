// Package promotion merges reviewed staging history into production.
//
// The manager never prepares a promotion ahead of time: diffs and safety
// checks are recomputed from live repository state on every call, and
// Promote re-runs the checks under the interlock so a decision is never
// made against stale state.
package promotion

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/events"
	"github.com/fyrsmithlabs/shipgate/internal/gitrepo"
	"github.com/fyrsmithlabs/shipgate/internal/orchestrator"
)

const instrumentationName = "github.com/fyrsmithlabs/shipgate/internal/promotion"

// Repo is the subset of gitrepo.Repository the manager drives.
type Repo interface {
	CurrentBranch() (string, error)
	Status(ctx context.Context) (*gitrepo.Status, error)
	Fetch(ctx context.Context, remote string) error
	AheadBehind(ctx context.Context, refA, refB string) (ahead, behind int, err error)
	CommitsBetween(ctx context.Context, base, tip string) ([]gitrepo.CommitRecord, error)
	DiffNumstat(ctx context.Context, refA, refB string) ([]gitrepo.FileStat, error)
	Push(ctx context.Context, remote, branch string) error
	PushForce(ctx context.Context, remote, branch string) error
	MergeNoFF(ctx context.Context, ref, message string, author gitrepo.Author) error
	MergeAbort(ctx context.Context) error
	ResetHard(ctx context.Context, hash string) error
	CommitExists(hash string) (bool, error)
	IsAncestor(ctx context.Context, hash, ref string) (bool, error)
}

// Config fixes the branch topology the manager operates on.
type Config struct {
	StagingBranch    string
	ProductionBranch string
	Remote           string
	Identity         gitrepo.Author
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StagingBranch == "" {
		out.StagingBranch = "staging"
	}
	if out.ProductionBranch == "" {
		out.ProductionBranch = "main"
	}
	if out.Remote == "" {
		out.Remote = "origin"
	}
	if out.Identity.Name == "" {
		out.Identity = gitrepo.Author{Name: "shipgate", Email: "shipgate@localhost"}
	}
	return out
}

// Manager promotes staging to production and, on request, rolls
// production back. All mutating entry points take both interlock slots.
type Manager struct {
	staging    Repo
	production Repo
	cfg        Config
	lock       *orchestrator.Interlock
	sink       events.Sink
	logger     *zap.Logger

	tracer         trace.Tracer
	promoteCounter metric.Int64Counter
}

// New wires a manager. Staging and production must be distinct working
// copies tracking the same remote.
func New(staging, production Repo, cfg Config, lock *orchestrator.Interlock, sink events.Sink, logger *zap.Logger) (*Manager, error) {
	if staging == nil || production == nil {
		return nil, fmt.Errorf("both repositories are required")
	}
	if lock == nil {
		return nil, fmt.Errorf("interlock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.NopSink{}
	}

	meter := otel.GetMeterProvider().Meter(instrumentationName)
	counter, err := meter.Int64Counter("shipgate.promotions_total",
		metric.WithDescription("Promotion attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create promotion counter: %w", err)
	}

	return &Manager{
		staging:        staging,
		production:     production,
		cfg:            cfg.withDefaults(),
		lock:           lock,
		sink:           sink,
		logger:         logger,
		tracer:         otel.GetTracerProvider().Tracer(instrumentationName),
		promoteCounter: counter,
	}, nil
}

// remoteProduction is the production branch as seen from the staging clone.
func (m *Manager) remoteProduction() string {
	return m.cfg.Remote + "/" + m.cfg.ProductionBranch
}

func (m *Manager) remoteStaging() string {
	return m.cfg.Remote + "/" + m.cfg.StagingBranch
}

// Diff reports what a promotion would carry. Both clones are fetched
// first so the comparison reflects the remote, not stale local refs.
func (m *Manager) Diff(ctx context.Context) (*Diff, error) {
	ctx, span := m.tracer.Start(ctx, "promotion.Diff")
	defer span.End()

	if err := m.staging.Fetch(ctx, m.cfg.Remote); err != nil {
		return nil, fmt.Errorf("fetch staging: %w", err)
	}

	return m.computeDiff(ctx)
}

// computeDiff compares live refs inside the staging clone. Identical
// refs yield a zero diff, not an error.
func (m *Manager) computeDiff(ctx context.Context) (*Diff, error) {
	ahead, behind, err := m.staging.AheadBehind(ctx, m.cfg.StagingBranch, m.remoteProduction())
	if err != nil {
		return nil, fmt.Errorf("count divergence: %w", err)
	}

	out := &Diff{AheadCount: ahead, BehindCount: behind}
	if ahead == 0 && behind == 0 {
		return out, nil
	}

	commits, err := m.staging.CommitsBetween(ctx, m.remoteProduction(), m.cfg.StagingBranch)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	out.Commits = commits

	stats, err := m.staging.DiffNumstat(ctx, m.remoteProduction(), m.cfg.StagingBranch)
	if err != nil {
		return nil, fmt.Errorf("diff stats: %w", err)
	}
	for _, st := range stats {
		out.Files = append(out.Files, DiffFile{
			Path:      st.Path,
			Status:    classify(st),
			Additions: st.Additions,
			Deletions: st.Deletions,
		})
	}
	return out, nil
}

func classify(st gitrepo.FileStat) FileStatus {
	switch {
	case st.Deletions == 0 && st.Additions > 0:
		return FileAdded
	case st.Additions == 0 && st.Deletions > 0:
		return FileDeleted
	default:
		return FileModified
	}
}

// RunSafetyChecks evaluates every promotion precondition and reports all
// violations at once, so an operator fixes the whole list in one pass
// instead of discovering issues one failed attempt at a time.
func (m *Manager) RunSafetyChecks(ctx context.Context) (*SafetyCheckResult, error) {
	ctx, span := m.tracer.Start(ctx, "promotion.RunSafetyChecks")
	defer span.End()

	if err := m.staging.Fetch(ctx, m.cfg.Remote); err != nil {
		return nil, fmt.Errorf("fetch staging: %w", err)
	}
	res := m.checkAll(ctx)
	span.SetAttributes(attribute.Bool("checks.passed", res.Passed))
	return res, nil
}

// checkAll assumes refs are fresh. A check that cannot be evaluated
// counts as a violation; promotion must never proceed on unknowns.
func (m *Manager) checkAll(ctx context.Context) *SafetyCheckResult {
	var issues []string

	if st, err := m.staging.Status(ctx); err != nil {
		issues = append(issues, fmt.Sprintf("staging status unavailable: %v", err))
	} else if n := len(st.Modified) + len(st.Deleted) + len(st.Created); n > 0 {
		issues = append(issues, fmt.Sprintf("staging has %d uncommitted tracked changes", n))
	}

	if st, err := m.production.Status(ctx); err != nil {
		issues = append(issues, fmt.Sprintf("production status unavailable: %v", err))
	} else if !st.Clean {
		issues = append(issues, "production working tree is not clean")
	}

	if branch, err := m.staging.CurrentBranch(); err != nil {
		issues = append(issues, fmt.Sprintf("staging branch unavailable: %v", err))
	} else if branch != m.cfg.StagingBranch {
		issues = append(issues, fmt.Sprintf("staging is on branch %q, expected %q", branch, m.cfg.StagingBranch))
	}

	if branch, err := m.production.CurrentBranch(); err != nil {
		issues = append(issues, fmt.Sprintf("production branch unavailable: %v", err))
	} else if branch != m.cfg.ProductionBranch {
		issues = append(issues, fmt.Sprintf("production is on branch %q, expected %q", branch, m.cfg.ProductionBranch))
	}

	if _, behind, err := m.staging.AheadBehind(ctx, m.cfg.StagingBranch, m.remoteStaging()); err != nil {
		issues = append(issues, fmt.Sprintf("staging remote divergence unavailable: %v", err))
	} else if behind > 0 {
		issues = append(issues, fmt.Sprintf("staging is %d commits behind its remote", behind))
	}

	if ahead, _, err := m.staging.AheadBehind(ctx, m.cfg.StagingBranch, m.remoteProduction()); err != nil {
		issues = append(issues, fmt.Sprintf("promotion divergence unavailable: %v", err))
	} else if ahead == 0 {
		issues = append(issues, "staging has no commits to promote")
	}

	return &SafetyCheckResult{Passed: len(issues) == 0, Issues: issues}
}

// Promote pushes staging, merges it into production with --no-ff, and
// pushes production. Safety checks are re-run under the interlock; a
// cached green result from an earlier call carries no weight here.
func (m *Manager) Promote(ctx context.Context, req PromoteRequest) (*PromotionRecord, error) {
	ctx, span := m.tracer.Start(ctx, "promotion.Promote",
		trace.WithAttributes(attribute.String("promotion.performed_by", req.PerformedBy)))
	defer span.End()

	m.lock.LockBoth()
	defer m.lock.UnlockBoth()

	rec, err := m.promoteLocked(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.promoteCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
		events.Emit(ctx, m.sink, "", "promotion", events.PhaseFailed, map[string]any{"error": err.Error()})
		return nil, err
	}

	m.promoteCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
	events.Emit(ctx, m.sink, "", "promotion", events.PhaseDone, map[string]any{
		"performedBy":     rec.PerformedBy,
		"filesChanged":    rec.FilesChanged,
		"insertions":      rec.Insertions,
		"deletions":       rec.Deletions,
		"commitsPromoted": rec.CommitsPromoted,
	})
	return rec, nil
}

func (m *Manager) promoteLocked(ctx context.Context, req PromoteRequest) (*PromotionRecord, error) {
	if err := m.staging.Fetch(ctx, m.cfg.Remote); err != nil {
		return nil, fmt.Errorf("fetch staging: %w", err)
	}

	checks := m.checkAll(ctx)
	if !checks.Passed {
		return nil, &SafetyError{Issues: checks.Issues}
	}

	diff, err := m.computeDiff(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.staging.Push(ctx, m.cfg.Remote, m.cfg.StagingBranch); err != nil {
		return nil, fmt.Errorf("push staging: %w", err)
	}
	if err := m.production.Fetch(ctx, m.cfg.Remote); err != nil {
		return nil, fmt.Errorf("fetch production: %w", err)
	}

	var insertions, deletions int
	for _, f := range diff.Files {
		insertions += f.Additions
		deletions += f.Deletions
	}
	msg := mergeMessage(req, diff, insertions, deletions)

	if err := m.production.MergeNoFF(ctx, m.remoteStaging(), msg, m.cfg.Identity); err != nil {
		if abortErr := m.production.MergeAbort(ctx); abortErr != nil {
			m.logger.Error("merge abort failed after failed promotion merge",
				zap.Error(abortErr))
		}
		return nil, fmt.Errorf("%w: %v", ErrMergeFailed, err)
	}

	if err := m.production.Push(ctx, m.cfg.Remote, m.cfg.ProductionBranch); err != nil {
		// Local production now holds an unpushed merge commit. Resetting
		// it automatically could discard a merge an operator still wants,
		// so surface loudly and stop.
		m.logger.Error("production merge committed locally but push failed",
			zap.String("branch", m.cfg.ProductionBranch),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPostMergePush, err)
	}

	m.logger.Info("promotion complete",
		zap.String("performed_by", req.PerformedBy),
		zap.Int("commits", diff.AheadCount),
		zap.Int("files", len(diff.Files)))

	return &PromotionRecord{
		PerformedBy:     req.PerformedBy,
		Message:         req.Message,
		FilesChanged:    len(diff.Files),
		Insertions:      insertions,
		Deletions:       deletions,
		CommitsPromoted: diff.AheadCount,
	}, nil
}

func mergeMessage(req PromoteRequest, diff *Diff, insertions, deletions int) string {
	summary := req.Message
	if summary == "" {
		summary = "promote staging to production"
	}
	return fmt.Sprintf("Promotion: %s\n\nPerformed-by: %s\nDate: %s\nCommits: %d\nFiles: %d (+%d/-%d)",
		summary, req.PerformedBy, time.Now().UTC().Format(time.RFC3339),
		diff.AheadCount, len(diff.Files), insertions, deletions)
}

// Rollback hard-resets production to a prior commit and force-pushes.
// Destructive and manual by design of the operation itself; the target
// must already be reachable from the production branch.
func (m *Manager) Rollback(ctx context.Context, req RollbackRequest) error {
	ctx, span := m.tracer.Start(ctx, "promotion.Rollback",
		trace.WithAttributes(attribute.String("rollback.to", req.ToCommit)))
	defer span.End()

	m.lock.LockBoth()
	defer m.lock.UnlockBoth()

	if req.ToCommit == "" {
		return fmt.Errorf("rollback target commit is required")
	}

	exists, err := m.production.CommitExists(req.ToCommit)
	if err != nil {
		return fmt.Errorf("resolve commit: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrCommitNotInHistory, req.ToCommit)
	}
	inHistory, err := m.production.IsAncestor(ctx, req.ToCommit, m.cfg.ProductionBranch)
	if err != nil {
		return fmt.Errorf("check ancestry: %w", err)
	}
	if !inHistory {
		return fmt.Errorf("%w: %s", ErrCommitNotInHistory, req.ToCommit)
	}

	if err := m.production.ResetHard(ctx, req.ToCommit); err != nil {
		return fmt.Errorf("reset production: %w", err)
	}
	if err := m.production.PushForce(ctx, m.cfg.Remote, m.cfg.ProductionBranch); err != nil {
		return fmt.Errorf("force push production: %w", err)
	}

	m.logger.Warn("production rolled back",
		zap.String("to_commit", req.ToCommit),
		zap.String("performed_by", req.PerformedBy))
	events.Emit(ctx, m.sink, "", "rollback", events.PhaseDone, map[string]any{
		"toCommit":    req.ToCommit,
		"performedBy": req.PerformedBy,
	})
	return nil
}
