package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/stepflow/internal/task"
	"github.com/aristath/stepflow/internal/workspace"
)

// Request carries everything an agent needs to attempt one step. Context is
// the rendered execution context: outputs and findings accumulated from the
// step's completed dependencies plus any verification feedback from earlier
// attempts of this step.
type Request struct {
	StepID      string
	Description string
	Category    task.Category
	Context     string
	Workspace   *workspace.Workspace
}

// OutcomeKind discriminates what an agent produced.
type OutcomeKind int

const (
	// OutcomeText is an answer with no file changes (analysis, findings).
	OutcomeText OutcomeKind = iota
	// OutcomeChanges means files were modified through the workspace.
	OutcomeChanges
	// OutcomeDecompose means the step was too large and the agent returned a
	// list of smaller steps to run in its place.
	OutcomeDecompose
)

// Outcome is the result of one agent attempt.
type Outcome struct {
	Kind     OutcomeKind
	Summary  string
	Changed  []string
	Subtasks *task.TaskList
	Cost     float64
}

// Agent executes one step attempt. Implementations must route all file
// mutations through the request's workspace so they participate in the
// transaction; an agent that writes around the workspace breaks rollback.
type Agent interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
	Name() string
}

// hardError marks an infrastructure failure: the backend was unreachable,
// crashed, or returned garbage. Hard errors are retried with backoff and then
// escalated; they say nothing about the quality of the work.
type hardError struct {
	err error
}

func (e *hardError) Error() string { return e.err.Error() }
func (e *hardError) Unwrap() error { return e.err }

// Hard wraps err as an infrastructure failure.
func Hard(err error) error {
	if err == nil {
		return nil
	}
	return &hardError{err: err}
}

// IsHard reports whether err is an infrastructure failure.
func IsHard(err error) bool {
	var he *hardError
	return errors.As(err, &he)
}

// Config selects and parameterizes an agent implementation.
type Config struct {
	// Type is the adapter to use: "command" or "mock".
	Type string
	// Command is the argv of the subprocess for the command adapter.
	Command []string
	// Model is passed to the subprocess as an environment hint.
	Model string
}

// New creates an agent from configuration.
func New(cfg Config) (Agent, error) {
	switch cfg.Type {
	case "command":
		return NewCommandAgent(cfg)
	case "mock":
		return NewMockAgent(), nil
	default:
		return nil, fmt.Errorf("unknown agent type: %s", cfg.Type)
	}
}
