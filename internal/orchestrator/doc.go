// Package orchestrator sequences the safe-mutation pipeline for one
// staging working copy.
//
// A run moves through Idle → Mutating → (Migrating) → Committing → Testing
// → Done|RolledBack. Every failure path restores a previously-known-good
// state: the mutation engine rolls back its own batch, pre-commit failures
// discard the working copy, and post-commit test failures revert the commit
// while preserving history. Lifecycle events flow through an injected sink;
// there is no process-wide broadcast hub.
package orchestrator
