// Package migration runs the fixed schema-migration sequence when the
// managed tree's schema definition file changes.
//
// The sequence is validate schema → generate (and apply) a named migration
// → regenerate the data-access client, each in its own subprocess. The
// trigger fails fast at the first failing step and touches nothing outside
// the schema file and the migration-history directory; reverting any file
// mutation that led here is the orchestrator's job.
package migration

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipgate/internal/execx"
	"github.com/fyrsmithlabs/shipgate/internal/policy"
)

// SchemaPath is the well-known schema definition file. A FileChange whose
// path equals it triggers the migration sequence. Fixed, not configurable.
const SchemaPath = "prisma/schema.prisma"

// IsSchemaChange reports whether a changed path is the schema definition.
func IsSchemaChange(path string) bool {
	return policy.Normalize(path) == SchemaPath
}

// Command is one subprocess in the sequence.
type Command struct {
	Name    string        `json:"name"`
	Args    []string      `json:"args"`
	Timeout time.Duration `json:"timeout"`
}

// Commands configures the three steps. The migration name is appended to
// the generate command's arguments.
type Commands struct {
	Validate  Command `json:"validate"`
	Generate  Command `json:"generate"`
	ClientGen Command `json:"clientGen"`
}

// Step reports one executed step.
type Step struct {
	Name   string `json:"name"`
	Ok     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
	Err    string `json:"err,omitempty"`
}

// Result is the outcome of one HandleSchemaChange call.
type Result struct {
	Success bool   `json:"success"`
	Steps   []Step `json:"steps"`
}

// Trigger runs the migration sequence against one working tree.
type Trigger struct {
	dir      string
	commands Commands
	runner   *execx.Runner
	logger   *zap.Logger
}

// NewTrigger creates a trigger for the tree at dir.
func NewTrigger(dir string, commands Commands, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		dir:      dir,
		commands: commands,
		runner:   execx.NewRunner(logger),
		logger:   logger,
	}
}

// HandleSchemaChange runs validate → generate(name) → client-gen in strict
// order, failing fast at the first failing step. Every executed step is
// reported with its raw output.
func (t *Trigger) HandleSchemaChange(ctx context.Context, name string) *Result {
	res := &Result{}

	generate := t.commands.Generate
	if name != "" {
		generate.Args = append(append([]string{}, generate.Args...), name)
	}

	steps := []struct {
		label string
		cmd   Command
	}{
		{"validate", t.commands.Validate},
		{"generate", generate},
		{"client-gen", t.commands.ClientGen},
	}

	for _, s := range steps {
		step := t.runStep(ctx, s.label, s.cmd)
		res.Steps = append(res.Steps, step)
		if !step.Ok {
			t.logger.Error("migration step failed",
				zap.String("step", s.label),
				zap.String("error", step.Err),
			)
			return res
		}
	}

	res.Success = true
	t.logger.Info("migration sequence completed", zap.String("name", name))
	return res
}

func (t *Trigger) runStep(ctx context.Context, label string, cmd Command) Step {
	step := Step{Name: label}
	if cmd.Name == "" {
		step.Err = "no command configured"
		return step
	}

	out, err := t.runner.Run(ctx, execx.Spec{
		Name:    cmd.Name,
		Args:    cmd.Args,
		Dir:     t.dir,
		Timeout: cmd.Timeout,
	})
	if out != nil {
		step.Output = out.Output()
	}
	if err != nil {
		step.Err = err.Error()
		return step
	}
	step.Ok = true
	return step
}
