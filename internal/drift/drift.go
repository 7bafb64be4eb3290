// Package drift watches the staging working copy for git activity that
// did not come through the pipeline. A human running git directly in
// staging invalidates assumptions the next run would otherwise make, so
// out-of-band branch switches and commits are surfaced as events.
package drift

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/events"
)

var (
	// ErrNotGitRepo indicates the directory is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
	ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")
)

// Kind classifies a drift observation.
type Kind string

const (
	KindBranchSwitch Kind = "branch_switch"
	KindNewCommit    Kind = "new_commit"
)

// Observation is one detected out-of-band git action.
type Observation struct {
	Kind       Kind      `json:"kind"`
	Path       string    `json:"path"`
	OldBranch  string    `json:"oldBranch,omitempty"`
	NewBranch  string    `json:"newBranch,omitempty"`
	CommitHash string    `json:"commitHash,omitempty"`
	Time       time.Time `json:"time"`
}

// Watcher monitors a working copy's .git metadata.
type Watcher struct {
	path     string
	gitDir   string
	debounce time.Duration

	watcher *fsnotify.Watcher
	sink    events.Sink
	logger  *zap.Logger

	observations chan Observation
	stop         chan struct{}
	stopOnce     sync.Once

	mu            sync.Mutex
	currentBranch string
	lastCommit    string
	expected      map[string]bool
	suspended     int
	timers        map[string]*time.Timer
}

// NewWatcher creates a watcher for one working copy. Supports both main
// repositories and worktrees. A positive debounce coalesces bursts of
// writes to the same metadata file (a rebase touches the reflog once per
// picked commit); zero reacts to every write immediately.
func NewWatcher(path string, debounce time.Duration, sink events.Sink, logger *zap.Logger) (*Watcher, error) {
	gitDir, err := detectGitDir(path)
	if err != nil {
		return nil, fmt.Errorf("detecting git directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.NopSink{}
	}

	return &Watcher{
		path:         path,
		gitDir:       gitDir,
		debounce:     debounce,
		watcher:      fw,
		sink:         sink,
		logger:       logger,
		observations: make(chan Observation, 16),
		stop:         make(chan struct{}),
		expected:     make(map[string]bool),
		timers:       make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Events flow to Observations() and the sink
// until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	branch, err := w.readCurrentBranch()
	if err != nil {
		return fmt.Errorf("reading current branch: %w", err)
	}
	w.mu.Lock()
	w.currentBranch = branch
	w.lastCommit = w.readLastCommit()
	w.mu.Unlock()

	headFile := filepath.Join(w.gitDir, "HEAD")
	if err := w.watcher.Add(headFile); err != nil {
		return fmt.Errorf("watching HEAD file: %w", err)
	}

	// logs/HEAD records every commit; may not exist in a fresh repo.
	logsHead := filepath.Join(w.gitDir, "logs", "HEAD")
	if _, err := os.Stat(logsHead); err == nil {
		_ = w.watcher.Add(logsHead)
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.mu.Unlock()
	})
}

// Observations returns the channel of detected drift.
func (w *Watcher) Observations() <-chan Observation {
	return w.observations
}

// ExpectCommit registers a commit hash the pipeline is about to create,
// so its appearance in the reflog is not reported as drift.
func (w *Watcher) ExpectCommit(hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expected[hash] = true
}

// Suspend pauses drift reporting while the pipeline itself operates on
// the working copy. Detection state keeps tracking the repository so no
// stale comparison survives the pause. Calls nest.
func (w *Watcher) Suspend() {
	w.mu.Lock()
	w.suspended++
	w.mu.Unlock()
}

// Resume re-baselines on the repository's current branch and reflog head
// and re-enables reporting once every Suspend has been matched.
func (w *Watcher) Resume() {
	branch, branchErr := w.readCurrentBranch()
	last := w.readLastCommit()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.suspended > 0 {
		w.suspended--
	}
	if branchErr == nil {
		w.currentBranch = branch
	}
	if last != "" {
		w.lastCommit = last
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("drift watcher error", zap.Error(err))
		}
	}
}

// schedule defers the check for path until debounce has elapsed with no
// further writes, so a burst of reflog appends yields one check against
// the final state instead of one per append.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if w.debounce <= 0 {
		w.handleFileChange(ctx, path)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.handleFileChange(ctx, path)
	})
}

func (w *Watcher) handleFileChange(ctx context.Context, path string) {
	if filepath.Base(path) == "HEAD" && !strings.HasSuffix(path, filepath.Join("logs", "HEAD")) {
		w.detectBranchSwitch(ctx)
		return
	}
	if strings.HasSuffix(path, filepath.Join("logs", "HEAD")) {
		w.detectNewCommit(ctx)
	}
}

func (w *Watcher) detectBranchSwitch(ctx context.Context) {
	newBranch, err := w.readCurrentBranch()
	if err != nil {
		return
	}

	w.mu.Lock()
	old := w.currentBranch
	if newBranch == old {
		w.mu.Unlock()
		return
	}
	w.currentBranch = newBranch
	if w.suspended > 0 {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.emit(ctx, Observation{
		Kind:      KindBranchSwitch,
		Path:      w.path,
		OldBranch: old,
		NewBranch: newBranch,
		Time:      time.Now(),
	})
}

func (w *Watcher) detectNewCommit(ctx context.Context) {
	hash := w.readLastCommit()
	if hash == "" {
		return
	}

	w.mu.Lock()
	if hash == w.lastCommit {
		w.mu.Unlock()
		return
	}
	w.lastCommit = hash
	if w.expected[hash] || w.suspended > 0 {
		delete(w.expected, hash)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.emit(ctx, Observation{
		Kind:       KindNewCommit,
		Path:       w.path,
		CommitHash: hash,
		Time:       time.Now(),
	})
}

func (w *Watcher) emit(ctx context.Context, obs Observation) {
	w.logger.Warn("out-of-band git activity detected",
		zap.String("kind", string(obs.Kind)),
		zap.String("path", obs.Path),
		zap.String("old_branch", obs.OldBranch),
		zap.String("new_branch", obs.NewBranch),
		zap.String("commit", obs.CommitHash))

	events.Emit(ctx, w.sink, "", "drift", events.PhaseFailed, map[string]any{
		"kind":      string(obs.Kind),
		"path":      obs.Path,
		"oldBranch": obs.OldBranch,
		"newBranch": obs.NewBranch,
		"commit":    obs.CommitHash,
	})

	select {
	case w.observations <- obs:
	default:
		// Channel full, drop. The sink already carried it.
	}
}

// readCurrentBranch reads the branch name from HEAD, "detached" when
// HEAD holds a raw hash.
func (w *Watcher) readCurrentBranch() (string, error) {
	content, err := os.ReadFile(filepath.Join(w.gitDir, "HEAD"))
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}

	head := strings.TrimSpace(string(content))
	if strings.HasPrefix(head, "ref: refs/heads/") {
		return strings.TrimPrefix(head, "ref: refs/heads/"), nil
	}
	return "detached", nil
}

// readLastCommit parses the newest reflog entry's target hash. Empty
// string when the reflog is missing or unparseable.
func (w *Watcher) readLastCommit() string {
	content, err := os.ReadFile(filepath.Join(w.gitDir, "logs", "HEAD"))
	if err != nil {
		return ""
	}

	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	parts := strings.Fields(lines[len(lines)-1])
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// detectGitDir resolves the .git directory for a working copy, following
// the "gitdir:" indirection worktrees use.
func detectGitDir(path string) (string, error) {
	gitPath := filepath.Join(path, ".git")

	info, err := os.Stat(gitPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotGitRepo, path)
		}
		return "", fmt.Errorf("stat .git: %w", err)
	}

	if info.IsDir() {
		return gitPath, nil
	}

	content, err := os.ReadFile(gitPath)
	if err != nil {
		return "", fmt.Errorf("reading .git file: %w", err)
	}

	trimmed := strings.TrimSpace(string(content))
	if !strings.HasPrefix(trimmed, "gitdir:") {
		return "", fmt.Errorf("%w: invalid .git file format", ErrNotGitRepo)
	}
	return strings.TrimSpace(strings.TrimPrefix(trimmed, "gitdir:")), nil
}
