// Package mutation applies batches of file changes to a managed tree as a
// single atomic unit.
//
// Every mutated file is backed up into a directory outside the working tree
// before being touched. When any change in a batch fails, every change made
// so far is rolled back in reverse order by restoring backups (or deleting
// files the batch created), so a failed Apply leaves the tree byte-identical
// to the state before the call. Protected paths are rejected up front,
// before any I/O.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/policy"
	"github.com/fyrsmithlabs/shipgate/internal/redact"
)

const (
	backupFileMode = 0o600
	treeFileMode   = 0o644
	treeDirMode    = 0o755

	// maxPreviewBytes bounds the diff preview attached to sensitive writes.
	maxPreviewBytes = 4096
)

// ErrEmptyBatch indicates Apply was called with no changes.
var ErrEmptyBatch = errors.New("batch contains no changes")

// ErrOutsideRoot indicates a path escapes the managed tree.
var ErrOutsideRoot = errors.New("path escapes managed tree")

// Engine applies file change batches against one managed tree.
type Engine struct {
	root       string
	backupDir  string
	classifier *policy.Classifier
	oplog      *OperationLog
	scrubber   *redact.Scrubber
	logger     *zap.Logger
}

// NewEngine creates an engine for the tree rooted at root. Backups are
// written to backupDir (created on first use, never auto-pruned). A nil
// logger is replaced with a no-op logger.
func NewEngine(root, backupDir string, classifier *policy.Classifier, logger *zap.Logger) (*Engine, error) {
	if root == "" {
		return nil, errors.New("root is required")
	}
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if backupDir == "" {
		backupDir = filepath.Join(root, "..", ".backups")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	return &Engine{
		root:       absRoot,
		backupDir:  backupDir,
		classifier: classifier,
		oplog:      NewOperationLog(256),
		scrubber:   redact.MustNew(),
		logger:     logger,
	}, nil
}

// Log returns the engine's audit ring log.
func (e *Engine) Log() *OperationLog {
	return e.oplog
}

// ledgerEntry tracks one performed step so a partial batch can be undone.
type ledgerEntry struct {
	abs        string
	rel        string
	kind       OpKind
	existed    bool
	backupPath string
	mode       os.FileMode
}

// Apply performs the batch atomically.
//
// The whole batch is validated before any write: if any path classifies as
// protected the batch is rejected with policy.ErrProtectedPath and no file
// is touched. On a mid-batch failure every prior change is rolled back in
// reverse order; rollback failures are reported in the Result but never
// mask the original error. The Result is non-nil in every case.
func (e *Engine) Apply(ctx context.Context, batch []FileChange) (*Result, error) {
	res := &Result{}

	if len(batch) == 0 {
		return res, ErrEmptyBatch
	}

	// Validate the whole batch before any I/O.
	for _, ch := range batch {
		if err := e.classifier.CheckWrite(ch.Path); err != nil {
			return res, fmt.Errorf("batch rejected: %w", err)
		}
		if _, err := e.resolve(ch.Path); err != nil {
			return res, fmt.Errorf("batch rejected: %w", err)
		}
	}

	var applied []ledgerEntry
	for _, ch := range batch {
		if err := ctx.Err(); err != nil {
			e.failBatch(res, applied, ch.Path, OpWrite, err)
			return res, fmt.Errorf("batch aborted: %w", err)
		}

		entry, rec, err := e.stageWrite(ch.Path, []byte(ch.NewContent), ch.CreateIfMissing)
		if err != nil {
			// The failing change itself may have touched disk (backup
			// taken, target truncated); roll it back with the rest.
			if entry.abs != "" {
				applied = append(applied, entry)
			}
			e.failBatch(res, applied, ch.Path, rec.Kind, err)
			return res, fmt.Errorf("applying %s: %w", ch.Path, err)
		}
		applied = append(applied, entry)
		res.Records = append(res.Records, rec)
		e.oplog.Append(rec)
	}

	res.Success = true
	return res, nil
}

// Create writes a new file. It fails when the file already exists.
func (e *Engine) Create(ctx context.Context, path, content string) (*Result, error) {
	abs, err := e.resolve(path)
	if err == nil {
		if _, statErr := os.Lstat(abs); statErr == nil {
			return &Result{}, fmt.Errorf("creating %s: file already exists", path)
		}
	}
	return e.Apply(ctx, []FileChange{{Path: path, NewContent: content, CreateIfMissing: true}})
}

// Write overwrites an existing file or creates it.
func (e *Engine) Write(ctx context.Context, path, content string) (*Result, error) {
	return e.Apply(ctx, []FileChange{{Path: path, NewContent: content, CreateIfMissing: true}})
}

// Delete removes a file, backing it up first. Protected paths are rejected
// before any I/O.
func (e *Engine) Delete(ctx context.Context, path string) (*Result, error) {
	res := &Result{}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := e.classifier.CheckWrite(path); err != nil {
		return res, fmt.Errorf("delete rejected: %w", err)
	}

	_, rec, err := e.stageDelete(path)
	if err != nil {
		rec.Outcome = OutcomeError
		rec.Message = err.Error()
		res.Records = append(res.Records, rec)
		e.oplog.Append(rec)
		return res, fmt.Errorf("deleting %s: %w", path, err)
	}
	res.Records = append(res.Records, rec)
	e.oplog.Append(rec)
	res.Success = true
	return res, nil
}

// Move relocates a file, obeying the same protection check and backup
// discipline for both endpoints. A failure at any step restores both.
func (e *Engine) Move(ctx context.Context, src, dst string) (*Result, error) {
	res := &Result{}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if err := e.classifier.CheckWrite(src); err != nil {
		return res, fmt.Errorf("move rejected: %w", err)
	}
	if err := e.classifier.CheckWrite(dst); err != nil {
		return res, fmt.Errorf("move rejected: %w", err)
	}

	srcAbs, err := e.resolve(src)
	if err != nil {
		return res, fmt.Errorf("move rejected: %w", err)
	}
	content, err := os.ReadFile(srcAbs)
	if err != nil {
		return res, fmt.Errorf("moving %s: %w", src, err)
	}

	var applied []ledgerEntry

	entry, rec, err := e.stageWrite(dst, content, true)
	if err != nil {
		if entry.abs != "" {
			applied = append(applied, entry)
		}
		e.failBatch(res, applied, dst, OpMove, err)
		return res, fmt.Errorf("moving %s to %s: %w", src, dst, err)
	}
	applied = append(applied, entry)
	res.Records = append(res.Records, rec)
	e.oplog.Append(rec)

	entry, rec, err = e.stageDelete(src)
	if err != nil {
		if entry.abs != "" {
			applied = append(applied, entry)
		}
		e.failBatch(res, applied, src, OpMove, err)
		return res, fmt.Errorf("moving %s to %s: %w", src, dst, err)
	}
	applied = append(applied, entry)
	rec.Kind = OpMove
	rec.Message = fmt.Sprintf("moved to %s", policy.Normalize(dst))
	res.Records = append(res.Records, rec)
	e.oplog.Append(rec)

	res.Success = true
	return res, nil
}

// stageWrite backs up and writes one file, returning the ledger entry for
// rollback and the audit record.
func (e *Engine) stageWrite(rel string, content []byte, createIfMissing bool) (ledgerEntry, OperationRecord, error) {
	norm := policy.Normalize(rel)
	rec := OperationRecord{Path: norm, Kind: OpWrite, Outcome: OutcomeOK, Time: time.Now()}

	abs, err := e.resolve(rel)
	if err != nil {
		return ledgerEntry{}, rec, err
	}

	var oldContent []byte
	var oldMode os.FileMode
	existed := false
	if info, err := os.Lstat(abs); err == nil {
		existed = true
		oldMode = info.Mode().Perm()
		oldContent, err = os.ReadFile(abs)
		if err != nil {
			return ledgerEntry{}, rec, fmt.Errorf("reading existing file: %w", err)
		}
	} else if !createIfMissing {
		return ledgerEntry{}, rec, fmt.Errorf("file does not exist and createIfMissing is false")
	}

	entry := ledgerEntry{abs: abs, rel: norm, kind: OpWrite, existed: existed, mode: oldMode}
	if !existed {
		rec.Kind = OpCreate
		entry.kind = OpCreate
	}

	if existed {
		backupPath, err := e.backup(norm, oldContent)
		if err != nil {
			return ledgerEntry{}, rec, fmt.Errorf("creating backup: %w", err)
		}
		entry.backupPath = backupPath
		rec.BackupPath = backupPath
	}

	if dir := filepath.Dir(abs); dir != "" {
		if err := os.MkdirAll(dir, treeDirMode); err != nil {
			return entry, rec, fmt.Errorf("creating parent directories: %w", err)
		}
	}
	if err := os.WriteFile(abs, content, treeFileMode); err != nil {
		return entry, rec, fmt.Errorf("writing file: %w", err)
	}

	if e.classifier.Classify(norm) == policy.ClassSensitive {
		// The preview is scrubbed so credential values never reach the
		// audit log or log output.
		preview, hits := e.scrubber.Scrub(previewDiff(string(oldContent), string(content)))
		rec.Message = "sensitive path\n" + preview
		e.logger.Warn("mutated sensitive path",
			zap.String("path", norm),
			zap.Strings("redacted", hits))
	}

	return entry, rec, nil
}

// stageDelete backs up and removes one file.
func (e *Engine) stageDelete(rel string) (ledgerEntry, OperationRecord, error) {
	norm := policy.Normalize(rel)
	rec := OperationRecord{Path: norm, Kind: OpDelete, Outcome: OutcomeOK, Time: time.Now()}

	abs, err := e.resolve(rel)
	if err != nil {
		return ledgerEntry{}, rec, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return ledgerEntry{}, rec, fmt.Errorf("reading file before delete: %w", err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return ledgerEntry{}, rec, fmt.Errorf("reading file before delete: %w", err)
	}

	backupPath, err := e.backup(norm, content)
	if err != nil {
		return ledgerEntry{}, rec, fmt.Errorf("creating backup: %w", err)
	}
	rec.BackupPath = backupPath

	entry := ledgerEntry{abs: abs, rel: norm, kind: OpDelete, existed: true, backupPath: backupPath, mode: info.Mode().Perm()}

	if err := os.Remove(abs); err != nil {
		return entry, rec, fmt.Errorf("removing file: %w", err)
	}
	return entry, rec, nil
}

// failBatch records the failing operation, rolls back everything applied so
// far and stamps the result.
func (e *Engine) failBatch(res *Result, applied []ledgerEntry, path string, kind OpKind, cause error) {
	rec := OperationRecord{
		Path:    policy.Normalize(path),
		Kind:    kind,
		Outcome: OutcomeError,
		Message: cause.Error(),
		Time:    time.Now(),
	}
	res.Records = append(res.Records, rec)
	e.oplog.Append(rec)

	if len(applied) == 0 {
		return
	}

	res.RolledBack = true
	res.RollbackFailures = e.rollback(applied)
	for _, f := range res.RollbackFailures {
		e.logger.Error("rollback failure", zap.String("detail", f))
	}
}

// rollback undoes applied changes in reverse order. Failures are collected
// and returned; they never mask the original batch error.
func (e *Engine) rollback(applied []ledgerEntry) []string {
	var failures []string
	for i := len(applied) - 1; i >= 0; i-- {
		entry := applied[i]
		var err error
		switch {
		case entry.kind == OpDelete, entry.existed:
			// Restore the pre-mutation bytes and mode from the backup.
			mode := entry.mode
			if mode == 0 {
				mode = treeFileMode
			}
			var content []byte
			content, err = os.ReadFile(entry.backupPath)
			if err == nil {
				err = os.WriteFile(entry.abs, content, mode)
			}
			if err == nil {
				// WriteFile only applies the mode on create.
				err = os.Chmod(entry.abs, mode)
			}
		default:
			// The batch created this file; delete it back out. The
			// failing change may never have reached the write itself.
			err = os.Remove(entry.abs)
			if errors.Is(err, os.ErrNotExist) {
				err = nil
			}
		}

		rec := OperationRecord{
			Path:       entry.rel,
			Kind:       entry.kind,
			Outcome:    OutcomeOK,
			BackupPath: entry.backupPath,
			Message:    "rolled back",
			Time:       time.Now(),
		}
		if err != nil {
			rec.Outcome = OutcomeError
			rec.Message = fmt.Sprintf("rollback failed: %v", err)
			failures = append(failures, fmt.Sprintf("%s: %v", entry.rel, err))
		}
		e.oplog.Append(rec)
	}
	return failures
}

// backup writes pre-mutation bytes into the backup directory. Backup names
// are the sanitized relative path plus a nanosecond timestamp; backups are
// never removed by the engine.
func (e *Engine) backup(rel string, content []byte) (string, error) {
	if err := os.MkdirAll(e.backupDir, treeDirMode); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s.%s.bak",
		strings.ReplaceAll(rel, "/", "_"),
		time.Now().Format("20060102T150405.000000000"),
	)
	backupPath := filepath.Join(e.backupDir, name)
	if err := os.WriteFile(backupPath, content, backupFileMode); err != nil {
		return "", err
	}
	return backupPath, nil
}

// resolve maps a relative path into the tree, rejecting traversal outside
// the root.
func (e *Engine) resolve(rel string) (string, error) {
	abs := filepath.Join(e.root, filepath.FromSlash(policy.Normalize(rel)))
	if abs != e.root && !strings.HasPrefix(abs, e.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return abs, nil
}

// previewDiff builds a bounded patch-text preview of a sensitive change.
func previewDiff(oldText, newText string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(oldText, newText)
	text := dmp.PatchToText(patches)
	if len(text) > maxPreviewBytes {
		text = text[:maxPreviewBytes] + "\n…truncated"
	}
	return text
}
