package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrProtectedPath indicates a write targeted a protected path. It is a
// hard-stop error: callers must never catch it and continue the operation.
var ErrProtectedPath = errors.New("path is protected")

// Class is the classification of a path under the policy tables.
type Class int

const (
	// ClassOrdinary paths carry no restrictions.
	ClassOrdinary Class = iota

	// ClassSensitive paths may be mutated but are flagged for review.
	ClassSensitive

	// ClassProtected paths must never be mutated by the pipeline.
	ClassProtected
)

// String returns the lowercase name of the class.
func (c Class) String() string {
	switch c {
	case ClassProtected:
		return "protected"
	case ClassSensitive:
		return "sensitive"
	default:
		return "ordinary"
	}
}

// Pattern is a compiled glob-like path pattern. Immutable once compiled.
//
// Matching semantics:
//   - `**/` matches zero or more leading path segments
//   - a trailing `/**` matches everything under a directory
//   - `*` matches within a single segment only
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern compiles a glob-like pattern into a matcher.
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, errors.New("pattern cannot be empty")
	}

	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString(`(?:[^/]+/)*`)
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(`.*`)
			i += 2
		case pattern[i] == '*':
			b.WriteString(`[^/]*`)
			i++
		default:
			b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
			i++
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling pattern %q: %w", pattern, err)
	}

	return &Pattern{raw: pattern, re: re}, nil
}

// Match reports whether the normalized path matches the pattern.
func (p *Pattern) Match(path string) bool {
	return p.re.MatchString(path)
}

// String returns the original pattern text.
func (p *Pattern) String() string {
	return p.raw
}

// Classifier classifies paths against precompiled protected and sensitive
// pattern tables. Matching is existential: any match wins, so pattern order
// never changes the result. Protection takes precedence over sensitivity.
type Classifier struct {
	protected []*Pattern
	sensitive []*Pattern
}

// NewClassifier compiles the pattern tables into a classifier.
func NewClassifier(protected, sensitive []string) (*Classifier, error) {
	c := &Classifier{}

	for _, raw := range protected {
		p, err := CompilePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("protected pattern: %w", err)
		}
		c.protected = append(c.protected, p)
	}

	for _, raw := range sensitive {
		p, err := CompilePattern(raw)
		if err != nil {
			return nil, fmt.Errorf("sensitive pattern: %w", err)
		}
		c.sensitive = append(c.sensitive, p)
	}

	return c, nil
}

// Classify returns the classification for a path. The path is normalized
// before matching: backslashes become slashes and leading "./" or "/" are
// stripped.
func (c *Classifier) Classify(path string) Class {
	path = Normalize(path)

	for _, p := range c.protected {
		if p.Match(path) {
			return ClassProtected
		}
	}
	for _, p := range c.sensitive {
		if p.Match(path) {
			return ClassSensitive
		}
	}
	return ClassOrdinary
}

// CheckWrite returns ErrProtectedPath (wrapped with the offending path) when
// the path classifies as protected, nil otherwise.
func (c *Classifier) CheckWrite(path string) error {
	if c.Classify(path) == ClassProtected {
		return fmt.Errorf("%w: %s", ErrProtectedPath, Normalize(path))
	}
	return nil
}

// Normalize canonicalizes a path for matching.
func Normalize(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	for {
		switch {
		case strings.HasPrefix(path, "./"):
			path = strings.TrimPrefix(path, "./")
		case strings.HasPrefix(path, "/"):
			path = strings.TrimPrefix(path, "/")
		default:
			return path
		}
	}
}

// DefaultProtectedPatterns is the built-in hard-deny table for the managed
// tree: credentials, auth internals, migration history, lockfiles and the
// version-control metadata itself.
func DefaultProtectedPatterns() []string {
	return []string{
		".env",
		".env.*",
		".git/**",
		"node_modules/**",
		"prisma/migrations/**",
		"src/lib/auth.ts",
		"src/lib/server/auth/**",
		"package-lock.json",
	}
}

// DefaultSensitivePatterns is the built-in soft-warn table: files whose
// mutation is allowed but changes build, schema or server behavior broadly.
func DefaultSensitivePatterns() []string {
	return []string{
		"prisma/schema.prisma",
		"package.json",
		"svelte.config.js",
		"vite.config.ts",
		"src/hooks.server.ts",
		"**/Dockerfile",
	}
}
