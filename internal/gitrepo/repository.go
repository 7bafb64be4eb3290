// Package gitrepo wraps version-control primitives against one working copy.
//
// Read paths (branch, status, log) go through go-git; mutating porcelain
// (stage, commit, merge, revert, reset, push) runs the git binary as typed
// subprocess calls so the on-disk repository always matches what command-line
// git would produce. Destructive operations are distinct named methods,
// never flags, to keep call sites auditable. Mutating subprocesses are never
// killed mid-flight; a timeout is reported after the process finishes.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/execx"
)

const defaultTimeout = 60 * time.Second

var (
	// ErrNothingToCommit indicates Commit was called with no staged changes.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrNotRepository indicates the path does not contain a git repository.
	ErrNotRepository = errors.New("not a git repository")

	// ErrCommitNotFound indicates a referenced commit is not in history.
	ErrCommitNotFound = errors.New("commit not found")
)

// Repository manages one working copy.
type Repository struct {
	path    string
	repo    *git.Repository
	runner  *execx.Runner
	logger  *zap.Logger
	timeout time.Duration
}

// Open opens the working copy at path. Returns ErrNotRepository when the
// path is not a git repository.
func Open(path string, logger *zap.Logger) (*Repository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repository{
		path:    path,
		repo:    repo,
		runner:  execx.NewRunner(logger),
		logger:  logger,
		timeout: defaultTimeout,
	}, nil
}

// Path returns the working copy path.
func (r *Repository) Path() string {
	return r.path
}

// SetTimeout overrides the per-subprocess timeout.
func (r *Repository) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// CurrentBranch returns the checked-out branch name, or "detached" when
// HEAD does not point at a branch.
func (r *Repository) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "detached", nil
	}
	return head.Name().Short(), nil
}

// Status returns a snapshot of the working copy, including ahead/behind
// counts against the remote tracking ref when one exists.
func (r *Repository) Status(ctx context.Context) (*Status, error) {
	branch, err := r.CurrentBranch()
	if err != nil {
		return nil, err
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	out := &Status{Branch: branch, Clean: st.IsClean()}
	for path, fs := range st {
		switch {
		case fs.Staging == git.Untracked || fs.Worktree == git.Untracked:
			out.Untracked = append(out.Untracked, path)
		case fs.Staging == git.Added:
			out.Created = append(out.Created, path)
		case fs.Staging == git.Deleted || fs.Worktree == git.Deleted:
			out.Deleted = append(out.Deleted, path)
		case fs.Staging == git.Modified || fs.Worktree == git.Modified,
			fs.Staging == git.Renamed:
			out.Modified = append(out.Modified, path)
		}
	}

	ahead, behind, err := r.AheadBehind(ctx, branch, "origin/"+branch)
	if err == nil {
		out.AheadRemote = ahead
		out.BehindRemote = behind
	}
	return out, nil
}

// AheadBehind returns the symmetric commit counts between two refs:
// commits only in refA, and commits only in refB. Unknown refs yield an
// error.
func (r *Repository) AheadBehind(ctx context.Context, refA, refB string) (int, int, error) {
	res, err := r.run(ctx, "rev-list", "--left-right", "--count", refA+"..."+refB)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(strings.TrimSpace(res.Stdout))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", res.Stdout)
	}
	ahead, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing ahead count: %w", err)
	}
	behind, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing behind count: %w", err)
	}
	return ahead, behind, nil
}

// Stage adds the given paths to the index.
func (r *Repository) Stage(ctx context.Context, files []string) error {
	if len(files) == 0 {
		return nil
	}
	args := append([]string{"add", "--"}, files...)
	_, err := r.mutate(ctx, args...)
	return err
}

// Commit stages files (when given) and commits with the explicit author
// identity. Returns ErrNothingToCommit when the index holds no changes.
func (r *Repository) Commit(ctx context.Context, message string, files []string, author Author) (*CommitRecord, error) {
	if message == "" {
		return nil, errors.New("commit message is required")
	}
	if author.Name == "" || author.Email == "" {
		return nil, errors.New("commit author identity is required")
	}

	if err := r.Stage(ctx, files); err != nil {
		return nil, err
	}

	staged, err := r.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(staged.Stdout) == "" {
		return nil, ErrNothingToCommit
	}

	args := r.identityArgs(author)
	args = append(args, "commit", "-m", message)
	if _, err := r.mutate(ctx, args...); err != nil {
		return nil, err
	}

	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD after commit: %w", err)
	}

	rec := &CommitRecord{
		Hash:         head.Hash().String(),
		Message:      message,
		Author:       author,
		Date:         time.Now(),
		FilesTouched: splitLines(staged.Stdout),
	}
	r.logger.Info("created commit",
		zap.String("hash", rec.Hash),
		zap.Int("files", len(rec.FilesTouched)),
	)
	return rec, nil
}

// Push pushes a branch to the remote.
func (r *Repository) Push(ctx context.Context, remote, branch string) error {
	_, err := r.mutate(ctx, "push", remote, branch)
	return err
}

// PushForce force-pushes a branch. Destructive: used only by the manual
// promotion rollback escape hatch.
func (r *Repository) PushForce(ctx context.Context, remote, branch string) error {
	_, err := r.mutate(ctx, "push", "--force", remote, branch)
	return err
}

// Fetch updates remote tracking refs.
func (r *Repository) Fetch(ctx context.Context, remote string) error {
	_, err := r.mutate(ctx, "fetch", remote)
	return err
}

// RevertCommit creates an inverse commit for hash. Non-destructive:
// history is preserved.
func (r *Repository) RevertCommit(ctx context.Context, hash string, author Author) error {
	if ok, err := r.CommitExists(hash); err != nil || !ok {
		return fmt.Errorf("%w: %s", ErrCommitNotFound, hash)
	}
	args := r.identityArgs(author)
	args = append(args, "revert", "--no-edit", hash)
	_, err := r.mutate(ctx, args...)
	return err
}

// ResetHard moves the branch to hash and resets the working tree.
// Destructive: used only on explicit rollback paths.
func (r *Repository) ResetHard(ctx context.Context, hash string) error {
	_, err := r.mutate(ctx, "reset", "--hard", hash)
	return err
}

// DiscardAllChanges hard-resets to HEAD and removes untracked files and
// directories. Destructive: used only when a pipeline step fails before
// any commit exists.
func (r *Repository) DiscardAllChanges(ctx context.Context) error {
	if _, err := r.mutate(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := r.mutate(ctx, "clean", "-fd")
	return err
}

// MergeNoFF merges ref into the current branch with an explicit merge
// commit carrying the given message and committer identity.
func (r *Repository) MergeNoFF(ctx context.Context, ref, message string, author Author) error {
	args := r.identityArgs(author)
	args = append(args, "merge", "--no-ff", "-m", message, ref)
	_, err := r.mutate(ctx, args...)
	return err
}

// MergeAbort aborts an in-progress merge.
func (r *Repository) MergeAbort(ctx context.Context) error {
	_, err := r.mutate(ctx, "merge", "--abort")
	return err
}

// Log returns up to maxCount commits from HEAD, newest first.
func (r *Repository) Log(maxCount int) ([]CommitRecord, error) {
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var records []CommitRecord
	err = iter.ForEach(func(c *object.Commit) error {
		records = append(records, CommitRecord{
			Hash:    c.Hash.String(),
			Message: strings.TrimSpace(c.Message),
			Author:  Author{Name: c.Author.Name, Email: c.Author.Email},
			Date:    c.Author.When,
		})
		if maxCount > 0 && len(records) >= maxCount {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterating log: %w", err)
	}
	return records, nil
}

// CommitsBetween returns the commits reachable from tip but not from base,
// newest first.
func (r *Repository) CommitsBetween(ctx context.Context, base, tip string) ([]CommitRecord, error) {
	res, err := r.run(ctx, "log", "--format=%H%x1f%s%x1f%an%x1f%ae%x1f%aI", base+".."+tip)
	if err != nil {
		return nil, err
	}

	var records []CommitRecord
	for _, line := range splitLines(res.Stdout) {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 5 {
			continue
		}
		date, _ := time.Parse(time.RFC3339, parts[4])
		records = append(records, CommitRecord{
			Hash:    parts[0],
			Message: parts[1],
			Author:  Author{Name: parts[2], Email: parts[3]},
			Date:    date,
		})
	}
	return records, nil
}

// DiffNumstat returns per-file added/deleted line counts between two refs.
// Binary files report zero counts.
func (r *Repository) DiffNumstat(ctx context.Context, refA, refB string) ([]FileStat, error) {
	res, err := r.run(ctx, "diff", "--numstat", refA, refB)
	if err != nil {
		return nil, err
	}

	var stats []FileStat
	for _, line := range splitLines(res.Stdout) {
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		stats = append(stats, FileStat{
			Path:      parts[2],
			Additions: atoiOrZero(parts[0]),
			Deletions: atoiOrZero(parts[1]),
		})
	}
	return stats, nil
}

// DiffRaw returns the raw diff text between two refs.
func (r *Repository) DiffRaw(ctx context.Context, refA, refB string) (string, error) {
	res, err := r.run(ctx, "diff", refA, refB)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// CommitExists reports whether hash resolves to a commit object.
func (r *Repository) CommitExists(hash string) (bool, error) {
	h := plumbing.NewHash(hash)
	if h.IsZero() {
		return false, nil
	}
	_, err := r.repo.CommitObject(h)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("looking up commit: %w", err)
	}
	return true, nil
}

// IsAncestor reports whether hash is reachable from ref.
func (r *Repository) IsAncestor(ctx context.Context, hash, ref string) (bool, error) {
	res, err := r.run(ctx, "merge-base", "--is-ancestor", hash, ref)
	if err != nil {
		if res != nil && res.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Head returns the current HEAD commit hash.
func (r *Repository) Head() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// run executes a read-only git command with the configured timeout.
func (r *Repository) run(ctx context.Context, args ...string) (*execx.Result, error) {
	return r.runner.Run(ctx, execx.Spec{
		Name:    "git",
		Args:    args,
		Dir:     r.path,
		Timeout: r.timeout,
	})
}

// mutate executes a git command that writes to the repository. The process
// is allowed to finish even past the timeout: killing git mid-write is what
// corrupts repositories.
func (r *Repository) mutate(ctx context.Context, args ...string) (*execx.Result, error) {
	return r.runner.RunToCompletion(ctx, execx.Spec{
		Name:    "git",
		Args:    args,
		Dir:     r.path,
		Timeout: r.timeout,
	})
}

// identityArgs builds the -c user.name/user.email flags that scope the
// commit identity to a single invocation.
func (r *Repository) identityArgs(author Author) []string {
	return []string{
		"-c", "user.name=" + author.Name,
		"-c", "user.email=" + author.Email,
	}
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
