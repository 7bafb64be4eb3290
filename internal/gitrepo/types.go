package gitrepo

import "time"

// Author is the commit identity set explicitly on every commit the
// pipeline creates.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CommitRecord describes one commit. Immutable once produced by version
// control.
type CommitRecord struct {
	Hash         string    `json:"hash"`
	Message      string    `json:"message"`
	Author       Author    `json:"author"`
	Date         time.Time `json:"date"`
	FilesTouched []string  `json:"filesTouched,omitempty"`
}

// Status is a snapshot of the working copy. Created holds files staged
// for addition but not yet committed; Untracked holds files git does not
// know about at all.
type Status struct {
	Branch       string   `json:"branch"`
	Modified     []string `json:"modifiedPaths"`
	Created      []string `json:"createdPaths"`
	Deleted      []string `json:"deletedPaths"`
	Untracked    []string `json:"untrackedPaths"`
	Clean        bool     `json:"clean"`
	AheadRemote  int      `json:"aheadOfRemote"`
	BehindRemote int      `json:"behindRemote"`
}

// FileStat is one file's line counts from a numstat diff.
type FileStat struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}
