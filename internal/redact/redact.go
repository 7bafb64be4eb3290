// Package redact strips credential material from text before it leaves
// the pipeline. Sensitive-path diff previews and event payloads can
// quote configuration files verbatim; redaction keeps a leaked .env
// value out of logs and the event bus even when policy let the write
// through.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const replacement = "[REDACTED]"

// Rule is one detection pattern. Keywords, when present, gate the
// pattern: the (cheaper) keyword scan must hit before the pattern runs.
type Rule struct {
	ID       string
	Pattern  string
	Keywords []string
}

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

// Scrubber redacts secrets from text.
type Scrubber struct {
	rules []compiledRule
}

// New compiles the default rules plus any extras.
func New(extra ...Rule) (*Scrubber, error) {
	rules := append(defaultRules(), extra...)

	s := &Scrubber{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		if rule.ID == "" || rule.Pattern == "" {
			return nil, fmt.Errorf("rule %q: id and pattern are required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		cr := compiledRule{id: rule.ID, pattern: pattern}
		for _, kw := range rule.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		s.rules = append(s.rules, cr)
	}
	return s, nil
}

// MustNew compiles the default rules, panicking on error. The defaults
// are static, so failure is a programming error.
func MustNew() *Scrubber {
	s, err := New()
	if err != nil {
		panic(err)
	}
	return s
}

type span struct{ start, end int }

// Scrub returns content with every match replaced, plus the IDs of the
// rules that fired. Overlapping matches are merged before replacement.
func (s *Scrubber) Scrub(content string) (string, []string) {
	var spans []span
	hit := map[string]bool{}

	for _, rule := range s.rules {
		if len(rule.keywords) > 0 && !anyMatch(rule.keywords, content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			spans = append(spans, span{m[0], m[1]})
			hit[rule.id] = true
		}
	}

	if len(spans) == 0 {
		return content, nil
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			if cur.end > last.end {
				last.end = cur.end
			}
		} else {
			merged = append(merged, cur)
		}
	}

	var b strings.Builder
	prev := 0
	for _, sp := range merged {
		b.WriteString(content[prev:sp.start])
		b.WriteString(replacement)
		prev = sp.end
	}
	b.WriteString(content[prev:])

	ids := make([]string, 0, len(hit))
	for id := range hit {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return b.String(), ids
}

func anyMatch(patterns []*regexp.Regexp, content string) bool {
	for _, p := range patterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

// defaultRules covers what a managed web application tree realistically
// leaks: env-file credentials, connection strings, hosted-service keys
// and key blocks.
func defaultRules() []Rule {
	return []Rule{
		{
			ID:      "env-credential",
			Pattern: `(?i)(?:^|[^A-Za-z0-9_])(?:DATABASE_URL|DB_PASSWORD|DATABASE_PASSWORD|POSTGRES_PASSWORD|MYSQL_PASSWORD|REDIS_PASSWORD|API_SECRET|APP_SECRET|SECRET_KEY|SESSION_SECRET|AUTH_SECRET|ENCRYPTION_KEY|PRIVATE_KEY|AUTH_TOKEN|ACCESS_TOKEN|REFRESH_TOKEN)\s*[:=]\s*['"]?([^\s'"]{8,})['"]?`,
		},
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,64})['"]?`,
			Keywords: []string{"api", "key"},
		},
		{
			ID:       "generic-secret",
			Pattern:  `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?([^\s'"]{8,})['"]?`,
			Keywords: []string{"secret", "password"},
		},
		{
			ID:      "database-url",
			Pattern: `(?i)(?:postgres|postgresql|mysql|mongodb|redis|amqp)://[^:\s]+:[^@\s]+@[^\s]+`,
		},
		{
			ID:      "private-key-block",
			Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
		},
		{
			ID:      "jwt",
			Pattern: `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
		},
		{
			ID:       "aws-access-key-id",
			Pattern:  `(?i)(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|ASIA)[A-Z0-9]{16}`,
			Keywords: []string{"aws", "akia", "asia"},
		},
		{
			ID:      "github-token",
			Pattern: `(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,}`,
		},
		{
			ID:      "stripe-key",
			Pattern: `(?:sk|pk)_(?:live|test)_[A-Za-z0-9]{24,}`,
		},
		{
			ID:      "slack-token",
			Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`,
		},
		{
			ID:      "npm-token",
			Pattern: `npm_[A-Za-z0-9]{36}`,
		},
	}
}
