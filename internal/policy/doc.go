// Package policy classifies managed-tree paths against protected and
// sensitive pattern tables.
//
// Protected paths are immutable to the mutation pipeline and targeting one
// is a hard stop. Sensitive paths may be written but are flagged so callers
// can apply extra scrutiny. Patterns are glob-like (`**` and `*` wildcards)
// and are compiled once at construction; classification is a pure function
// over the static tables.
package policy
