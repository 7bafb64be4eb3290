package mutation

import (
	"sync"
	"time"
)

// OpKind identifies the kind of file operation recorded.
type OpKind string

const (
	OpRead   OpKind = "read"
	OpWrite  OpKind = "write"
	OpCreate OpKind = "create"
	OpDelete OpKind = "delete"
	OpMove   OpKind = "move"
)

// Outcome is the result of a single recorded operation.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// FileChange is one requested write. A batch of FileChanges is the atomic
// unit submitted to the Engine.
type FileChange struct {
	// Path is the target path, relative to the managed tree root.
	Path string `json:"path"`

	// NewContent is the full replacement content.
	NewContent string `json:"newContent"`

	// CreateIfMissing permits creating the file when it does not exist.
	// When false, a missing target fails the change without touching disk.
	CreateIfMissing bool `json:"createIfMissing"`
}

// OperationRecord is an audit entry for one file operation. Records live in
// a bounded in-memory ring and are never used for correctness.
type OperationRecord struct {
	Path       string    `json:"path"`
	Kind       OpKind    `json:"kind"`
	Outcome    Outcome   `json:"outcome"`
	BackupPath string    `json:"backupPath,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// Result is the outcome of an Engine.Apply call.
type Result struct {
	// Success is true only when every change in the batch succeeded.
	Success bool `json:"success"`

	// Records are the operations performed, in order, including rollback
	// restores for a failed batch.
	Records []OperationRecord `json:"records"`

	// RolledBack is true when a partial batch was undone.
	RolledBack bool `json:"rolledBack"`

	// RollbackFailures lists restore errors. They never mask the original
	// failure; a non-empty list means the byte-identical guarantee could
	// not be upheld and the caller must surface it.
	RollbackFailures []string `json:"rollbackFailures,omitempty"`
}

// OperationLog is a bounded ring of operation records. When full, the
// oldest record is evicted.
type OperationLog struct {
	mu      sync.Mutex
	max     int
	entries []OperationRecord
}

// NewOperationLog creates a ring log holding at most max records.
func NewOperationLog(max int) *OperationLog {
	if max <= 0 {
		max = 256
	}
	return &OperationLog{max: max}
}

// Append adds a record, evicting the oldest when the ring is full.
func (l *OperationLog) Append(rec OperationRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == l.max {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.max-1]
	}
	l.entries = append(l.entries, rec)
}

// Records returns a copy of the current entries, oldest first.
func (l *OperationLog) Records() []OperationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OperationRecord, len(l.entries))
	copy(out, l.entries)
	return out
}
