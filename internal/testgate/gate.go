// Package testgate runs the managed tree's test suites and reduces their
// heterogeneous output into one uniform outcome.
//
// Each requested subset (unit, integration, e2e, coverage) runs in its own
// subprocess; pass/fail/total counts merge by addition. Parsing is strict:
// the tool is expected to emit one structured JSON summary line, and output
// that cannot be parsed makes that subset inconclusive (a failure with
// total=0) rather than crashing the gate or guessing counts from free text.
// A total of zero across all subsets is inconclusive, never success.
package testgate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/execx"
)

// SubsetKind names a test subset.
type SubsetKind string

const (
	SubsetUnit        SubsetKind = "unit"
	SubsetIntegration SubsetKind = "integration"
	SubsetE2E         SubsetKind = "e2e"
	SubsetCoverage    SubsetKind = "coverage"
)

// SubsetSpec is the subprocess invocation for one subset.
type SubsetSpec struct {
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Timeout time.Duration `json:"timeout"`
}

// Config selects which subsets a run executes.
type Config struct {
	Unit        bool `json:"unit"`
	Integration bool `json:"integration"`
	E2E         bool `json:"e2e"`
	Coverage    bool `json:"coverage"`
}

// Outcome is the merged result of one gate run.
type Outcome struct {
	Success      bool          `json:"success"`
	Passed       int           `json:"passed"`
	Failed       int           `json:"failed"`
	Total        int           `json:"total"`
	Duration     time.Duration `json:"durationMs"`
	ErrorText    string        `json:"errorText,omitempty"`
	Inconclusive bool          `json:"inconclusive"`
}

// summary is the structured line a test tool reporter emits.
type summary struct {
	Passed   *int     `json:"passed"`
	Failed   *int     `json:"failed"`
	Total    *int     `json:"total"`
	Coverage *float64 `json:"coveragePct"`
}

// Gate invokes configured test subsets against one working tree.
type Gate struct {
	dir               string
	subsets           map[SubsetKind]SubsetSpec
	coverageThreshold float64
	runner            *execx.Runner
	logger            *zap.Logger
}

// New creates a gate. subsets maps each kind to its invocation; a requested
// kind with no spec is an inconclusive subset. coverageThreshold is a
// percentage (0 disables the threshold check).
func New(dir string, subsets map[SubsetKind]SubsetSpec, coverageThreshold float64, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		dir:               dir,
		subsets:           subsets,
		coverageThreshold: coverageThreshold,
		runner:            execx.NewRunner(logger),
		logger:            logger,
	}
}

// Run executes the requested subsets sequentially and merges their counts.
func (g *Gate) Run(ctx context.Context, cfg Config) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{}
	var errorParts []string

	requested := make([]SubsetKind, 0, 4)
	if cfg.Unit {
		requested = append(requested, SubsetUnit)
	}
	if cfg.Integration {
		requested = append(requested, SubsetIntegration)
	}
	if cfg.E2E {
		requested = append(requested, SubsetE2E)
	}
	if cfg.Coverage {
		requested = append(requested, SubsetCoverage)
	}
	if len(requested) == 0 {
		out.Inconclusive = true
		out.ErrorText = "no test subsets requested"
		out.Duration = time.Since(start)
		return out, nil
	}

	coverageOK := true
	for _, kind := range requested {
		spec, ok := g.subsets[kind]
		if !ok {
			errorParts = append(errorParts, fmt.Sprintf("%s: no command configured", kind))
			out.Inconclusive = true
			continue
		}

		res, runErr := g.runner.Run(ctx, execx.Spec{
			Name:    spec.Command,
			Args:    spec.Args,
			Dir:     g.dir,
			Timeout: spec.Timeout,
		})
		if res == nil {
			errorParts = append(errorParts, fmt.Sprintf("%s: %v", kind, runErr))
			out.Inconclusive = true
			continue
		}
		if res.TimedOut {
			errorParts = append(errorParts, fmt.Sprintf("%s: timed out", kind))
			out.Inconclusive = true
			continue
		}

		sum, parsed := parseSummary(res.Stdout)
		if !parsed {
			// Malformed tool output: the subset is inconclusive, counted
			// as a failure with total=0, never fabricated from free text.
			msg := fmt.Sprintf("%s: unparseable tool output", kind)
			if runErr != nil {
				msg = fmt.Sprintf("%s: %v", kind, runErr)
			}
			errorParts = append(errorParts, msg)
			out.Inconclusive = true
			continue
		}

		out.Passed += valueOr(sum.Passed, 0)
		out.Failed += valueOr(sum.Failed, 0)
		if sum.Total != nil {
			out.Total += *sum.Total
		} else {
			out.Total += valueOr(sum.Passed, 0) + valueOr(sum.Failed, 0)
		}

		if kind == SubsetCoverage && g.coverageThreshold > 0 {
			if sum.Coverage == nil {
				coverageOK = false
				errorParts = append(errorParts, "coverage: no coverage figure reported")
			} else if *sum.Coverage < g.coverageThreshold {
				coverageOK = false
				errorParts = append(errorParts,
					fmt.Sprintf("coverage: %.1f%% below threshold %.1f%%", *sum.Coverage, g.coverageThreshold))
			}
		}

		g.logger.Debug("test subset finished",
			zap.String("subset", string(kind)),
			zap.Int("failed", valueOr(sum.Failed, 0)),
		)
	}

	out.Duration = time.Since(start)
	out.ErrorText = strings.Join(errorParts, "; ")
	if out.Total == 0 {
		out.Inconclusive = true
	}
	out.Success = out.Failed == 0 && out.Total > 0 && !out.Inconclusive && coverageOK
	return out, nil
}

// parseSummary scans output lines from last to first for a structured JSON
// summary object.
func parseSummary(output string) (*summary, bool) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var sum summary
		if err := json.Unmarshal([]byte(line), &sum); err != nil {
			continue
		}
		if sum.Total != nil || (sum.Passed != nil && sum.Failed != nil) {
			return &sum, true
		}
	}
	return nil, false
}

func valueOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}
